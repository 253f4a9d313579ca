package insight

import (
	"encoding/json"
	"fmt"
	"strings"

	"spotify-insights/internal/models"
)

// The format instruction blocks appended to structured-output prompts.
// The model must answer with a single JSON object matching the schema.
const wellnessFormatInstructions = `Respond with a single JSON object, no prose around it, matching this schema:
{
  "overall_assessment": "2-3 sentence overall wellness summary",
  "wellness_nudges": [{"category": "mood|energy|variety|balance", "message": "the wellness suggestion", "priority": "high|medium|low"}],
  "key_patterns": ["3-5 key listening patterns observed"],
  "mood_score": 0.0
}
wellness_nudges must contain 3-5 entries, key_patterns 3-5 entries, mood_score a number from 0 to 10.`

const roastFormatInstructions = `Respond with a single JSON object, no prose around it, matching this schema:
{
  "roast_title": "witty title for the roast",
  "main_roast": "main roast content, 2-3 paragraphs",
  "specific_callouts": ["3-5 specific funny observations"],
  "redemption_quality": "one redeeming quality about their taste"
}`

// WellnessNudge is one actionable suggestion inside a wellness insight.
type WellnessNudge struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

// WellnessOutput is the structured wellness insight.
type WellnessOutput struct {
	OverallAssessment string          `json:"overall_assessment"`
	WellnessNudges    []WellnessNudge `json:"wellness_nudges"`
	KeyPatterns       []string        `json:"key_patterns"`
	MoodScore         float64         `json:"mood_score"`
}

// RoastOutput is the structured roast.
type RoastOutput struct {
	RoastTitle        string   `json:"roast_title"`
	MainRoast         string   `json:"main_roast"`
	SpecificCallouts  []string `json:"specific_callouts"`
	RedemptionQuality string   `json:"redemption_quality"`
}

// Parsed is the outcome of interpreting one model response: the rendered
// narrative plus the structured form persisted alongside it.
type Parsed struct {
	Content    string
	Structured map[string]any
}

// ParseOutput validates the raw model text against the kind's schema and
// renders the narrative content. A schema violation is a contract
// failure, not a transient fault: callers must not retry it.
func ParseOutput(kind models.InsightKind, tone, raw string) (Parsed, error) {
	switch kind {
	case models.InsightWellness:
		var out WellnessOutput
		if err := decodeStrict(raw, &out); err != nil {
			return Parsed{}, err
		}
		if err := out.validate(); err != nil {
			return Parsed{}, err
		}
		return Parsed{Content: renderWellness(tone, out), Structured: toMap(out)}, nil
	case models.InsightRoast:
		var out RoastOutput
		if err := decodeStrict(raw, &out); err != nil {
			return Parsed{}, err
		}
		if err := out.validate(); err != nil {
			return Parsed{}, err
		}
		return Parsed{Content: renderRoast(out), Structured: toMap(out)}, nil
	case models.InsightProductivity:
		// Productivity insights are free narrative; no schema.
		text := strings.TrimSpace(raw)
		if text == "" {
			return Parsed{}, fmt.Errorf("empty productivity insight")
		}
		return Parsed{Content: text, Structured: map[string]any{}}, nil
	}
	return Parsed{}, fmt.Errorf("unknown insight kind %q", kind)
}

func (o WellnessOutput) validate() error {
	if strings.TrimSpace(o.OverallAssessment) == "" {
		return fmt.Errorf("wellness output missing overall_assessment")
	}
	if len(o.WellnessNudges) == 0 {
		return fmt.Errorf("wellness output missing wellness_nudges")
	}
	if len(o.KeyPatterns) == 0 {
		return fmt.Errorf("wellness output missing key_patterns")
	}
	if o.MoodScore < 0 || o.MoodScore > 10 {
		return fmt.Errorf("mood_score %v out of range [0, 10]", o.MoodScore)
	}
	return nil
}

func (o RoastOutput) validate() error {
	if strings.TrimSpace(o.RoastTitle) == "" || strings.TrimSpace(o.MainRoast) == "" {
		return fmt.Errorf("roast output missing title or body")
	}
	if len(o.SpecificCallouts) == 0 {
		return fmt.Errorf("roast output missing specific_callouts")
	}
	return nil
}

func renderWellness(tone string, o WellnessOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Wellness Insight: %s Analysis\n\n", titleWords(NormalizeTone(tone)))
	b.WriteString("## Overall Assessment\n")
	b.WriteString(o.OverallAssessment + "\n\n")
	b.WriteString("## Mood Score\n")
	fmt.Fprintf(&b, "Your overall mood score based on listening patterns: %g/10\n\n", o.MoodScore)
	b.WriteString("## Key Patterns Observed\n")
	for i, p := range o.KeyPatterns {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p)
	}
	b.WriteString("\n## Wellness Nudges\n")
	for _, n := range o.WellnessNudges {
		fmt.Fprintf(&b, "\n### %s (%s Priority)\n%s\n", titleWords(n.Category), titleWords(n.Priority), n.Message)
	}
	return b.String()
}

func renderRoast(o RoastOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", o.RoastTitle, o.MainRoast)
	b.WriteString("## Specific Observations\n")
	for i, c := range o.SpecificCallouts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	fmt.Fprintf(&b, "\n## But Hey, At Least...\n%s\n", o.RedemptionQuality)
	return b.String()
}

// decodeStrict parses the model text as a single JSON object, tolerating
// a markdown code fence around it but nothing else.
func decodeStrict(raw string, dest any) error {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("model output is not valid JSON: %w", err)
	}
	// Anything after the object means the model ignored the format contract.
	if dec.More() {
		return fmt.Errorf("model output has trailing content after JSON object")
	}
	return nil
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
