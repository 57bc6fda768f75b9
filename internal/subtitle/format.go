package subtitle

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// Milliseconds converts seconds to whole milliseconds, rounding the shortest
// decimal representation of seconds half away from zero (1.0005 -> 1001).
func Milliseconds(seconds float64) int64 {
	if seconds <= 0 {
		return 0
	}
	return decimal.NewFromFloat(seconds).Mul(thousand).Round(0).IntPart()
}

// FormatSRT renders cues as a SubRip document.
func FormatSRT(cues []Cue) string {
	var b strings.Builder
	for _, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			c.Index, timestamp(c.Start, ','), timestamp(c.End, ','), c.Text)
	}
	return b.String()
}

// FormatVTT renders cues as a WebVTT document.
func FormatVTT(cues []Cue) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			c.Index, timestamp(c.Start, '.'), timestamp(c.End, '.'), c.Text)
	}
	return b.String()
}

func timestamp(seconds float64, sep byte) string {
	ms := Milliseconds(seconds)
	millis := ms % 1000
	totalSeconds := ms / 1000
	secs := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", hours, minutes, secs, sep, millis)
}
