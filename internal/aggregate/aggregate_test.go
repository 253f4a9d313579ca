package aggregate

import (
	"math"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func track(valence, energy, dance, acoustic, speech float64) TrackFeatures {
	return TrackFeatures{
		Valence:      ptr(valence),
		Energy:       ptr(energy),
		Danceability: ptr(dance),
		Acousticness: ptr(acoustic),
		Speechiness:  ptr(speech),
	}
}

func TestFeatureStatsBounds(t *testing.T) {
	features := []TrackFeatures{
		{Valence: ptr(0.2), Tempo: ptr(90)},
		{Valence: ptr(0.8), Tempo: ptr(140)},
		{Valence: ptr(0.5)},
	}
	stats := FeatureStats(features)

	avg := stats["avg_valence"]
	if avg < stats["min_valence"] || avg > stats["max_valence"] {
		t.Fatalf("avg_valence %v outside [%v, %v]", avg, stats["min_valence"], stats["max_valence"])
	}
	if got := stats["avg_tempo"]; got != 115 {
		t.Fatalf("tempo mean over reported tracks only: want 115 got %v", got)
	}
	if _, ok := stats["avg_energy"]; ok {
		t.Fatalf("energy reported by no track should be absent")
	}
}

func TestFeatureStatsSingleSample(t *testing.T) {
	stats := FeatureStats([]TrackFeatures{{Energy: ptr(0.42)}})
	if stats["std_energy"] != 0.0 {
		t.Fatalf("std must be 0.0 for one sample, got %v", stats["std_energy"])
	}
	if stats["min_energy"] != 0.42 || stats["max_energy"] != 0.42 {
		t.Fatalf("min/max should equal the single sample")
	}
}

func TestEmptyInputs(t *testing.T) {
	if got := FeatureStats(nil); len(got) != 0 {
		t.Fatalf("expected empty stats, got %v", got)
	}
	if got := GenreDistribution(nil); len(got) != 0 {
		t.Fatalf("expected empty distribution, got %v", got)
	}
	if got := MoodPatterns(nil); len(got) != 0 {
		t.Fatalf("expected empty mood patterns, got %v", got)
	}
	if got := ArtistDiversity(nil); got != 0.0 {
		t.Fatalf("expected 0.0 artist diversity, got %v", got)
	}
	if got := GenreEntropy(nil); got != 0.0 {
		t.Fatalf("expected 0.0 entropy, got %v", got)
	}
}

func TestGenreDistribution(t *testing.T) {
	artists := []Artist{
		{Name: "a", Genres: []string{"pop", "rock"}},
		{Name: "b", Genres: []string{"pop"}},
		{Name: "c", Genres: []string{"indie"}},
		{Name: "d"}, // no tags
	}
	dist := GenreDistribution(artists)

	var sum float64
	for _, p := range dist {
		sum += p
	}
	if math.Abs(sum-1.0) > 0.01 {
		t.Fatalf("fractions should sum to ~1.0, got %v", sum)
	}
	if dist["pop"] != 0.5 {
		t.Fatalf("pop should be 0.5 of tag occurrences, got %v", dist["pop"])
	}
}

func TestGenreDistributionTopTen(t *testing.T) {
	artists := make([]Artist, 0, 12)
	genres := []string{"g0", "g1", "g2", "g3", "g4", "g5", "g6", "g7", "g8", "g9", "g10", "g11"}
	// g0 appears twice so it must survive the cut; the rest tie at one.
	artists = append(artists, Artist{Name: "x", Genres: []string{"g0"}})
	for i, g := range genres {
		artists = append(artists, Artist{Name: string(rune('a' + i)), Genres: []string{g}})
	}

	dist := GenreDistribution(artists)
	if len(dist) != 10 {
		t.Fatalf("expected top 10, got %d entries", len(dist))
	}
	if _, ok := dist["g0"]; !ok {
		t.Fatalf("most frequent genre missing from top 10")
	}
	// Ties break by first-encountered order: the last two singletons drop.
	for _, dropped := range []string{"g10", "g11"} {
		if _, ok := dist[dropped]; ok {
			t.Fatalf("genre %s should have been truncated", dropped)
		}
	}
}

func TestMoodMultiLabel(t *testing.T) {
	patterns := MoodPatterns([]TrackFeatures{track(0.8, 0.8, 0.7, 0.1, 0.1)})

	for _, want := range []string{"happy", "energetic"} {
		p, ok := patterns[want]
		if !ok {
			t.Fatalf("expected label %q, got %v", want, patterns)
		}
		if p.Percentage != 1.0 || p.TrackCount != 1 {
			t.Fatalf("label %q: want fraction 1.0 count 1, got %+v", want, p)
		}
	}
	if _, ok := patterns["other"]; ok {
		t.Fatalf("a labeled track must not also count as other")
	}
}

func TestMoodFocusedWindow(t *testing.T) {
	// energy 0.6 sits inside the focused window; the happy/energetic
	// thresholds are not crossed.
	patterns := MoodPatterns([]TrackFeatures{track(0.5, 0.6, 0.5, 0.2, 0.1)})
	if _, ok := patterns["focused"]; !ok {
		t.Fatalf("expected focused label, got %v", patterns)
	}
}

func TestMoodOtherAndDefaults(t *testing.T) {
	// All fields missing default to 0.5: matches only the focused rule.
	patterns := MoodPatterns([]TrackFeatures{{}})
	if _, ok := patterns["focused"]; !ok {
		t.Fatalf("neutral defaults should classify as focused, got %v", patterns)
	}

	// Out of every window entirely.
	patterns = MoodPatterns([]TrackFeatures{track(0.5, 0.9, 0.2, 0.2, 0.9)})
	p, ok := patterns["other"]
	if !ok || p.TrackCount != 1 {
		t.Fatalf("unmatched track should be other, got %v", patterns)
	}
}

func TestMoodFractionsPerLabel(t *testing.T) {
	patterns := MoodPatterns([]TrackFeatures{
		track(0.8, 0.8, 0.7, 0.1, 0.1), // happy + energetic + more
		track(0.2, 0.2, 0.3, 0.8, 0.1), // sad + calm
	})
	for mood, p := range patterns {
		if p.Percentage < 0 || p.Percentage > 1 {
			t.Fatalf("mood %q fraction out of range: %v", mood, p.Percentage)
		}
	}
	// Multi-label: the fractions exceed 1.0 in total.
	var sum float64
	for _, p := range patterns {
		sum += p.Percentage
	}
	if sum <= 1.0 {
		t.Fatalf("expected multi-label fractions to exceed 1.0, got %v", sum)
	}
}

func TestArtistDiversity(t *testing.T) {
	many := make([]Artist, 50)
	for i := range many {
		many[i] = Artist{Name: string(rune('A' + i))}
	}
	if got := ArtistDiversity(many); got != 1.0 {
		t.Fatalf("50 distinct artists: want 1.0, got %v", got)
	}

	ten := make([]Artist, 10)
	for i := range ten {
		ten[i] = Artist{Name: string(rune('a' + i))}
	}
	if got := ArtistDiversity(ten); got != 0.2 {
		t.Fatalf("10 distinct artists: want 0.2, got %v", got)
	}

	// Duplicates do not inflate the score.
	dup := append(ten, ten...)
	if got := ArtistDiversity(dup); got != 0.2 {
		t.Fatalf("duplicate artists: want 0.2, got %v", got)
	}
}

func TestGenreEntropy(t *testing.T) {
	uniform := make(map[string]float64, 10)
	for i := 0; i < 10; i++ {
		uniform[string(rune('a'+i))] = 0.1
	}
	if got := GenreEntropy(uniform); got != 1.0 {
		t.Fatalf("uniform 10-bucket distribution: want 1.0, got %v", got)
	}

	single := map[string]float64{"pop": 1.0}
	if got := GenreEntropy(single); got != 0.0 {
		t.Fatalf("single genre: want 0.0, got %v", got)
	}
}
