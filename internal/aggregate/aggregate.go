// Package aggregate reduces raw per-track feature records and artist
// records into the statistics stored on a listening snapshot. All
// functions are pure and total: empty input yields an empty (but valid)
// result, never an error.
package aggregate

import (
	"math"
	"sort"

	"spotify-insights/internal/models"
)

// TrackFeatures carries the audio features of one track. Nil fields mean
// the API did not report that feature for the track.
type TrackFeatures struct {
	Valence          *float64
	Energy           *float64
	Danceability     *float64
	Acousticness     *float64
	Instrumentalness *float64
	Speechiness      *float64
	Tempo            *float64
	Loudness         *float64
}

// Artist carries the genre tags of one artist. An artist may contribute
// zero or many tags.
type Artist struct {
	Name   string
	Genres []string
}

// featureOrder fixes the set of analyzed features and their accessors.
var featureOrder = []struct {
	name string
	get  func(TrackFeatures) *float64
}{
	{"valence", func(f TrackFeatures) *float64 { return f.Valence }},
	{"energy", func(f TrackFeatures) *float64 { return f.Energy }},
	{"danceability", func(f TrackFeatures) *float64 { return f.Danceability }},
	{"acousticness", func(f TrackFeatures) *float64 { return f.Acousticness }},
	{"instrumentalness", func(f TrackFeatures) *float64 { return f.Instrumentalness }},
	{"speechiness", func(f TrackFeatures) *float64 { return f.Speechiness }},
	{"tempo", func(f TrackFeatures) *float64 { return f.Tempo }},
	{"loudness", func(f TrackFeatures) *float64 { return f.Loudness }},
}

// FeatureStats computes mean, sample standard deviation, min and max per
// feature, keyed avg_/std_/min_/max_<feature>. Tracks missing a feature
// are skipped for that feature, not treated as zero. Std is 0.0 with
// fewer than two samples.
func FeatureStats(features []TrackFeatures) map[string]float64 {
	stats := make(map[string]float64)
	for _, f := range featureOrder {
		values := make([]float64, 0, len(features))
		for _, track := range features {
			if v := f.get(track); v != nil {
				values = append(values, *v)
			}
		}
		if len(values) == 0 {
			continue
		}
		mean, std, minV, maxV := describe(values)
		stats["avg_"+f.name] = mean
		stats["std_"+f.name] = std
		stats["min_"+f.name] = minV
		stats["max_"+f.name] = maxV
	}
	return stats
}

func describe(values []float64) (mean, std, minV, maxV float64) {
	minV, maxV = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	mean = sum / float64(len(values))
	if len(values) > 1 {
		var sq float64
		for _, v := range values {
			d := v - mean
			sq += d * d
		}
		std = math.Sqrt(sq / float64(len(values)-1))
	}
	return mean, std, minV, maxV
}

// GenreDistribution counts genre tag occurrences across all artists and
// normalizes to fractions of total tag occurrences, keeping only the top
// 10 by fraction. Ties are broken by first-encountered order. Empty when
// no artist carries a tag.
func GenreDistribution(artists []Artist) map[string]float64 {
	counts := make(map[string]int)
	order := make([]string, 0)
	total := 0
	for _, artist := range artists {
		for _, genre := range artist.Genres {
			if _, seen := counts[genre]; !seen {
				order = append(order, genre)
			}
			counts[genre]++
			total++
		}
	}
	if total == 0 {
		return map[string]float64{}
	}

	// Stable sort over encounter order keeps tie-breaking deterministic.
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > 10 {
		order = order[:10]
	}

	dist := make(map[string]float64, len(order))
	for _, genre := range order {
		dist[genre] = round3(float64(counts[genre]) / float64(total))
	}
	return dist
}

// Mood classification thresholds over audio features. A track may match
// several labels; "other" applies only when it matches none.
const (
	moodHappy     = "happy"
	moodSad       = "sad"
	moodEnergetic = "energetic"
	moodCalm      = "calm"
	moodFocused   = "focused"
	moodOther     = "other"
)

// MoodPatterns classifies each track into zero or more of five mood
// labels and reports per-label fraction and count. Fractions are
// label_count / total_tracks and deliberately do not sum to 1.0.
// Missing feature fields default to the neutral 0.5.
func MoodPatterns(features []TrackFeatures) map[string]models.MoodPattern {
	if len(features) == 0 {
		return map[string]models.MoodPattern{}
	}

	counts := map[string]int{}
	for _, f := range features {
		valence := orNeutral(f.Valence)
		energy := orNeutral(f.Energy)
		danceability := orNeutral(f.Danceability)
		acousticness := orNeutral(f.Acousticness)
		speechiness := orNeutral(f.Speechiness)

		matched := false
		if valence > 0.6 && energy > 0.6 {
			counts[moodHappy]++
			matched = true
		}
		if valence < 0.4 && energy < 0.5 {
			counts[moodSad]++
			matched = true
		}
		if energy > 0.7 && danceability > 0.6 {
			counts[moodEnergetic]++
			matched = true
		}
		if energy < 0.4 && acousticness > 0.5 {
			counts[moodCalm]++
			matched = true
		}
		if speechiness < 0.3 && energy >= 0.3 && energy <= 0.7 {
			counts[moodFocused]++
			matched = true
		}
		if !matched {
			counts[moodOther]++
		}
	}

	total := float64(len(features))
	patterns := make(map[string]models.MoodPattern, len(counts))
	for mood, count := range counts {
		patterns[mood] = models.MoodPattern{
			Percentage: round3(float64(count) / total),
			TrackCount: count,
		}
	}
	return patterns
}

func orNeutral(v *float64) float64 {
	if v == nil {
		return 0.5
	}
	return *v
}

// ArtistDiversity is a coarse variety proxy: distinct artist count
// normalized against a 50-artist ceiling.
func ArtistDiversity(artists []Artist) float64 {
	distinct := make(map[string]struct{}, len(artists))
	for _, a := range artists {
		distinct[a.Name] = struct{}{}
	}
	return round3(math.Min(float64(len(distinct))/50.0, 1.0))
}

// GenreEntropy is the Shannon entropy of the genre fraction distribution,
// normalized by log2(10) (the maximum for a 10-bucket distribution) and
// clamped to [0, 1]. Zero for an empty distribution.
func GenreEntropy(genres map[string]float64) float64 {
	var entropy float64
	for _, p := range genres {
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	if entropy <= 0 {
		return 0.0
	}
	return round3(math.Min(entropy/math.Log2(10), 1.0))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
