// Package subtitle splits narration text into timed subtitle cues and renders
// them as SubRip or WebVTT.
package subtitle

import (
	"math"
	"strings"
)

// DefaultWordsPerCue is the cue size used when a caller does not pick one.
const DefaultWordsPerCue = 5

// Cue is one timed subtitle block. Times are seconds from the start of the
// narration.
type Cue struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Segment splits text into cues of wordsPerCue words and spreads
// totalDuration across them at a uniform words-per-second rate. Each cue
// starts where the previous one ended; the last cue may hold fewer words.
//
// Empty text, or a duration that is not a finite positive number large
// enough to time, yields no cues. A non-positive
// wordsPerCue is treated as 1; one larger than the word count gives a single
// cue.
func Segment(text string, totalDuration float64, wordsPerCue int) []Cue {
	words := strings.Fields(text)
	if len(words) == 0 || !(totalDuration > 0) || math.IsInf(totalDuration, 1) {
		return []Cue{}
	}

	// A subnormal duration overflows the rate and would give empty cues.
	wordsPerSecond := float64(len(words)) / totalDuration
	if math.IsInf(wordsPerSecond, 0) {
		return []Cue{}
	}

	wordsPerCue = max(1, min(wordsPerCue, len(words)))

	cues := make([]Cue, 0, (len(words)+wordsPerCue-1)/wordsPerCue)
	start := 0.0
	for i := 0; i < len(words); i += wordsPerCue {
		end := min(i+wordsPerCue, len(words))
		chunk := words[i:end]
		stop := start + float64(len(chunk))/wordsPerSecond

		cues = append(cues, Cue{
			Index: len(cues) + 1,
			Start: start,
			End:   stop,
			Text:  strings.Join(chunk, " "),
		})
		start = stop
	}
	return cues
}

// WordCount returns the number of whitespace-separated words in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
