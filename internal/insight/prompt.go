// Package insight builds LLM prompts from listening snapshots and
// parses the structured model output into stored insight records.
package insight

import (
	"fmt"
	"sort"
	"strings"

	"spotify-insights/internal/models"
)

// PromptVersion tags every generated insight so historical records stay
// interpretable after prompt changes.
const PromptVersion = "v1.0"

// Per-kind sampling temperatures. Roasts run hotter for creativity.
const (
	TemperatureWellness     = 0.7
	TemperatureRoast        = 0.9
	TemperatureProductivity = 0.6
)

var toneInstructions = map[string]string{
	"supportive":  "Be warm, encouraging, and focus on positive patterns. Frame suggestions gently.",
	"neutral":     "Be balanced and objective. Present both positive patterns and areas for growth.",
	"encouraging": "Be uplifting and motivating. Celebrate their listening habits while suggesting gentle improvements.",
}

// NormalizeTone maps an unknown tone to neutral.
func NormalizeTone(tone string) string {
	if _, ok := toneInstructions[tone]; !ok {
		return "neutral"
	}
	return tone
}

// FormatSnapshotContext renders a snapshot as the LLM context document.
// Output is deterministic: map-backed sections are sorted so the same
// snapshot always produces the same prompt.
func FormatSnapshotContext(s models.Snapshot) string {
	var b strings.Builder

	b.WriteString("# Listening Snapshot Analysis\n\n")
	b.WriteString("## Time Period\n")
	fmt.Fprintf(&b, "- Analysis range: %s\n", titleWords(strings.ReplaceAll(string(s.TimeRange), "_", " ")))
	fmt.Fprintf(&b, "- Snapshot date: %s\n", s.SnapshotDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "- Total tracks analyzed: %d\n\n", s.TotalTracksAnalyzed)

	b.WriteString("## Audio Feature Statistics\n")
	for _, key := range sortedKeys(s.AudioFeatures) {
		fmt.Fprintf(&b, "- %s: %.3f\n", titleWords(strings.ReplaceAll(key, "_", " ")), s.AudioFeatures[key])
	}

	b.WriteString("\n## Genre Distribution\n")
	for _, g := range genresByShare(s.GenreDistribution) {
		fmt.Fprintf(&b, "- %s: %.1f%%\n", g.name, g.share*100)
	}

	b.WriteString("\n## Mood Patterns\n")
	for _, mood := range sortedMoodKeys(s.MoodPatterns) {
		p := s.MoodPatterns[mood]
		fmt.Fprintf(&b, "- %s: %.1f%% (%d tracks)\n", titleWords(mood), p.Percentage*100, p.TrackCount)
	}

	b.WriteString("\n## Diversity Scores\n")
	fmt.Fprintf(&b, "- Artist diversity: %.3f\n", s.ArtistDiversityScore)
	fmt.Fprintf(&b, "- Mood diversity: %.3f\n", s.MoodDiversityScore)

	return b.String()
}

// Prompt is one fully-rendered generation request.
type Prompt struct {
	System      string
	User        string
	Temperature float64
}

// BuildPrompt assembles the per-kind prompt around the snapshot context.
func BuildPrompt(kind models.InsightKind, tone string, snapshotContext string) Prompt {
	switch kind {
	case models.InsightRoast:
		return Prompt{
			System: "You are a witty music critic who lovingly roasts people's music taste. " +
				"Be funny, creative, and playful, but never mean-spirited. Find humorous patterns and " +
				"contradictions in their listening habits. Think like a comedian analyzing their Spotify Wrapped.\n\n" +
				roastFormatInstructions,
			User: "Roast this person's music taste based on their listening data:\n\n" +
				snapshotContext + "\n\n" +
				"Make it funny and specific to their actual listening patterns. Include observations about:\n" +
				"- Genre choices and combinations\n" +
				"- Mood patterns and what they reveal\n" +
				"- Audio feature preferences (like always picking sad songs or only high-energy tracks)\n" +
				"- Any funny contradictions or patterns\n\n" +
				"Keep it playful and end on a positive note!\n",
			Temperature: TemperatureRoast,
		}
	case models.InsightProductivity:
		return Prompt{
			System: "You are a productivity coach who helps people optimize their music choices " +
				"for focus and performance. Analyze their listening patterns for productivity indicators.",
			User: "Analyze this listening data for productivity insights:\n\n" +
				snapshotContext + "\n\n" +
				"Provide insights on:\n" +
				"1. Focus-conducive music patterns (instrumentals, tempo, energy)\n" +
				"2. Potential distractions in their listening habits\n" +
				"3. Recommended listening strategies for deep work\n" +
				"4. Balance between energizing and calming music\n",
			Temperature: TemperatureProductivity,
		}
	default: // wellness
		return Prompt{
			System: "You are a music wellness analyst who helps people understand how their listening habits " +
				"relate to their emotional wellbeing. " + toneInstructions[NormalizeTone(tone)] + "\n\n" +
				"Analyze the listening data and provide actionable wellness insights.\n\n" +
				wellnessFormatInstructions,
			User: "Analyze this listening data and provide wellness insights:\n\n" +
				snapshotContext + "\n\n" +
				"Focus on:\n" +
				"1. Emotional patterns in their music choices\n" +
				"2. Variety and balance in listening habits\n" +
				"3. Potential mood indicators from audio features\n" +
				"4. Suggestions for emotional wellbeing through music\n",
			Temperature: TemperatureWellness,
		}
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedMoodKeys(m map[string]models.MoodPattern) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type genreShare struct {
	name  string
	share float64
}

// genresByShare orders descending by share, ties alphabetical.
func genresByShare(m map[string]float64) []genreShare {
	out := make([]genreShare, 0, len(m))
	for name, share := range m {
		out = append(out, genreShare{name, share})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].share != out[j].share {
			return out[i].share > out[j].share
		}
		return out[i].name < out[j].name
	})
	return out
}

// titleWords uppercases the first letter of each space-separated word.
func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
