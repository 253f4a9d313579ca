package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"spotify-insights/internal/cache"
	"spotify-insights/internal/insight"
	"spotify-insights/internal/llm"
	"spotify-insights/internal/models"
	"spotify-insights/internal/store"
	"spotify-insights/internal/telemetry"
)

// InsightStore is the slice of the store insight generation touches.
type InsightStore interface {
	GetSnapshot(ctx context.Context, id uuid.UUID) (models.Snapshot, error)
	CreateInsight(ctx context.Context, p store.CreateInsightParams) (models.Insight, error)
}

var _ InsightStore = (*store.Store)(nil)

// InsightHandler turns a snapshot into a generated insight through the
// language model.
type InsightHandler struct {
	store     InsightStore
	generator llm.Generator
	cache     Invalidator
	model     string
}

func NewInsightHandler(st InsightStore, gen llm.Generator, cache Invalidator, model string) *InsightHandler {
	return &InsightHandler{store: st, generator: gen, cache: cache, model: model}
}

// Handle runs one generation attempt. A missing snapshot or an output
// that violates the schema contract is permanent; model and transport
// faults stay retryable.
func (h *InsightHandler) Handle(ctx context.Context, job models.JobRecord) (map[string]any, error) {
	snapshotID, err := paramUUID(job.Params, "snapshot_id")
	if err != nil {
		return nil, err
	}
	kind, err := models.ParseInsightKind(optionalParamString(job.Params, "kind"))
	if err != nil {
		return nil, Permanent(err)
	}
	tone := insight.NormalizeTone(optionalParamString(job.Params, "tone"))

	snapshot, err := h.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			return nil, Permanent(fmt.Errorf("snapshot %s not found", snapshotID))
		}
		return nil, err
	}

	prompt := insight.BuildPrompt(kind, tone, insight.FormatSnapshotContext(snapshot))
	generated, err := h.generator.Generate(ctx, llm.GenerateRequest{
		Model:       h.model,
		System:      prompt.System,
		Prompt:      prompt.User,
		Temperature: prompt.Temperature,
	})
	if err != nil {
		return nil, err
	}

	parsed, err := insight.ParseOutput(kind, tone, generated.Text)
	if err != nil {
		// The model answered but broke the output contract. Retrying the
		// same prompt burns budget without changing the verdict.
		return nil, Permanent(err)
	}

	record, err := h.store.CreateInsight(ctx, store.CreateInsightParams{
		UserID:           snapshot.UserID,
		SnapshotID:       snapshot.ID,
		Kind:             kind,
		Model:            generated.ModelID,
		PromptVersion:    insight.PromptVersion,
		Tone:             tone,
		Content:          parsed.Content,
		StructuredOutput: parsed.Structured,
		GenerationTimeMS: generated.Latency.Milliseconds(),
		TokensUsed:       generated.Usage.TotalTokens,
	})
	if err != nil {
		return nil, err
	}

	h.cache.Delete(ctx, cache.UserInsightsKey(snapshot.UserID.String()))
	telemetry.CacheInvalidates.Inc()

	return map[string]any{
		"insight_id":         record.ID.String(),
		"snapshot_id":        snapshot.ID.String(),
		"generation_time_ms": record.GenerationTimeMS,
		"tokens_used":        record.TokensUsed,
	}, nil
}

// TokenRefreshHandler renews one user's credential on demand.
type TokenRefreshHandler struct {
	tokens TokenRefresher
}

func NewTokenRefreshHandler(tokens TokenRefresher) *TokenRefreshHandler {
	return &TokenRefreshHandler{tokens: tokens}
}

func (h *TokenRefreshHandler) Handle(ctx context.Context, job models.JobRecord) (map[string]any, error) {
	userID, err := paramUUID(job.Params, "user_id")
	if err != nil {
		return nil, err
	}
	if _, err := h.tokens.Refresh(ctx, userID); err != nil {
		return nil, err
	}
	return map[string]any{"user_id": userID.String(), "refreshed": true}, nil
}
