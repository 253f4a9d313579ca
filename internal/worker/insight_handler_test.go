package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"spotify-insights/internal/insight"
	"spotify-insights/internal/llm"
	"spotify-insights/internal/models"
	"spotify-insights/internal/store"
)

type fakeInsightStore struct {
	snapshots map[uuid.UUID]models.Snapshot
	created   []store.CreateInsightParams
}

func (f *fakeInsightStore) GetSnapshot(_ context.Context, id uuid.UUID) (models.Snapshot, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return models.Snapshot{}, store.ErrSnapshotNotFound
	}
	return snap, nil
}

func (f *fakeInsightStore) CreateInsight(_ context.Context, p store.CreateInsightParams) (models.Insight, error) {
	f.created = append(f.created, p)
	return models.Insight{
		ID:               uuid.New(),
		UserID:           p.UserID,
		SnapshotID:       p.SnapshotID,
		Kind:             p.Kind,
		GenerationTimeMS: p.GenerationTimeMS,
		TokensUsed:       p.TokensUsed,
	}, nil
}

type fakeGenerator struct {
	text string
	err  error
	got  llm.GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.GenerateRequest) (llm.GenerateResult, error) {
	f.got = req
	if f.err != nil {
		return llm.GenerateResult{}, f.err
	}
	return llm.GenerateResult{
		Text:    f.text,
		ModelID: "gpt-4-turbo-preview",
		Usage:   llm.TokenUsage{TotalTokens: 321},
	}, nil
}

const validRoastJSON = `{
	"roast_title": "Shuffle Play Victim",
	"main_roast": "Three genres. That is the whole personality.",
	"specific_callouts": ["The 3am sad playlist says plenty"],
	"redemption_quality": "The deep cuts show real digging."
}`

func insightJob(snapshotID uuid.UUID, kind, tone string) models.JobRecord {
	return models.JobRecord{
		ID:     uuid.New(),
		Type:   models.TaskGenerateInsight,
		Params: map[string]any{"snapshot_id": snapshotID.String(), "kind": kind, "tone": tone},
	}
}

func TestInsightHappyPath(t *testing.T) {
	ctx := context.Background()
	snapID := uuid.New()
	userID := uuid.New()
	st := &fakeInsightStore{snapshots: map[uuid.UUID]models.Snapshot{
		snapID: {ID: snapID, UserID: userID, TimeRange: models.RangeMedium, TotalTracksAnalyzed: 10},
	}}
	gen := &fakeGenerator{text: validRoastJSON}
	cacheSpy := &fakeInvalidator{}
	h := NewInsightHandler(st, gen, cacheSpy, "gpt-4-turbo-preview")

	result, err := h.Handle(ctx, insightJob(snapID, "roast", ""))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(st.created) != 1 {
		t.Fatalf("expected one insight row, got %d", len(st.created))
	}
	created := st.created[0]
	if created.Kind != models.InsightRoast || created.UserID != userID {
		t.Fatalf("unexpected insight params %+v", created)
	}
	if created.PromptVersion != insight.PromptVersion {
		t.Fatalf("prompt version = %q", created.PromptVersion)
	}
	if !strings.Contains(created.Content, "# Shuffle Play Victim") {
		t.Fatalf("narrative content missing:\n%s", created.Content)
	}
	if created.TokensUsed != 321 {
		t.Fatalf("token accounting lost: %d", created.TokensUsed)
	}
	if gen.got.Temperature != insight.TemperatureRoast {
		t.Fatalf("roast temperature = %v", gen.got.Temperature)
	}
	if result["tokens_used"] != 321 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(cacheSpy.deleted) != 1 {
		t.Fatalf("expected insights cache invalidation, got %v", cacheSpy.deleted)
	}
}

func TestInsightMissingSnapshotIsPermanent(t *testing.T) {
	ctx := context.Background()
	st := &fakeInsightStore{snapshots: map[uuid.UUID]models.Snapshot{}}
	h := NewInsightHandler(st, &fakeGenerator{text: validRoastJSON}, &fakeInvalidator{}, "m")

	_, err := h.Handle(ctx, insightJob(uuid.New(), "roast", ""))
	if err == nil || !IsPermanent(err) {
		t.Fatalf("missing snapshot must be permanent, got %v", err)
	}
	if len(st.created) != 0 {
		t.Fatalf("no insight must be written")
	}
}

func TestInsightSchemaViolationIsPermanent(t *testing.T) {
	ctx := context.Background()
	snapID := uuid.New()
	st := &fakeInsightStore{snapshots: map[uuid.UUID]models.Snapshot{
		snapID: {ID: snapID, UserID: uuid.New()},
	}}
	h := NewInsightHandler(st, &fakeGenerator{text: "here's a fun roast in plain prose!"}, &fakeInvalidator{}, "m")

	_, err := h.Handle(ctx, insightJob(snapID, "roast", ""))
	if err == nil || !IsPermanent(err) {
		t.Fatalf("contract violation must be permanent, got %v", err)
	}
	if len(st.created) != 0 {
		t.Fatalf("no insight must be written on parse failure")
	}
}

func TestInsightModelFaultStaysTransient(t *testing.T) {
	ctx := context.Background()
	snapID := uuid.New()
	st := &fakeInsightStore{snapshots: map[uuid.UUID]models.Snapshot{
		snapID: {ID: snapID, UserID: uuid.New()},
	}}
	h := NewInsightHandler(st, &fakeGenerator{err: context.DeadlineExceeded}, &fakeInvalidator{}, "m")

	_, err := h.Handle(ctx, insightJob(snapID, "wellness", "neutral"))
	if err == nil || IsPermanent(err) {
		t.Fatalf("model fault must stay retryable, got %v", err)
	}
}

func TestInsightInvalidKindIsPermanent(t *testing.T) {
	ctx := context.Background()
	h := NewInsightHandler(&fakeInsightStore{}, &fakeGenerator{}, &fakeInvalidator{}, "m")

	_, err := h.Handle(ctx, insightJob(uuid.New(), "horoscope", ""))
	if err == nil || !IsPermanent(err) {
		t.Fatalf("unknown kind must be permanent, got %v", err)
	}
}
