package worker

import (
	"fmt"

	"github.com/google/uuid"
)

// Params travel as JSONB, so every read is a type assertion. A missing
// or malformed parameter is a configuration fault: permanent.

func paramString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", Permanent(fmt.Errorf("missing param %q", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", Permanent(fmt.Errorf("param %q is not a string", key))
	}
	return s, nil
}

func paramUUID(params map[string]any, key string) (uuid.UUID, error) {
	s, err := paramString(params, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, Permanent(fmt.Errorf("param %q is not a uuid: %w", key, err))
	}
	return id, nil
}

func optionalParamString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
