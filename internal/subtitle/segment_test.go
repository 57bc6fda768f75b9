package subtitle

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

const epsilon = 1e-9

func TestSegment_Example(t *testing.T) {
	cues := Segment("one two three four five", 10, 2)

	want := []Cue{
		{Index: 1, Start: 0, End: 4, Text: "one two"},
		{Index: 2, Start: 4, End: 8, Text: "three four"},
		{Index: 3, Start: 8, End: 10, Text: "five"},
	}
	if len(cues) != len(want) {
		t.Fatalf("got %d cues, want %d: %+v", len(cues), len(want), cues)
	}
	for i := range want {
		got := cues[i]
		if got.Index != want[i].Index || got.Text != want[i].Text ||
			math.Abs(got.Start-want[i].Start) > epsilon || math.Abs(got.End-want[i].End) > epsilon {
			t.Errorf("cue %d = %+v, want %+v", i, got, want[i])
		}
	}
}

func TestSegment_EmptyInputs(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		duration float64
	}{
		{"empty text", "", 10},
		{"whitespace text", "  \n\t ", 10},
		{"zero duration", "hello world", 0},
		{"negative duration", "hello world", -3},
		{"NaN duration", "hello world", math.NaN()},
		{"infinite duration", "hello world", math.Inf(1)},
		{"subnormal duration", "hello world", 1e-320},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cues := Segment(tc.text, tc.duration, 3)
			if cues == nil || len(cues) != 0 {
				t.Errorf("Segment() = %#v, want empty non-nil slice", cues)
			}
		})
	}
}

func TestSegment_Invariants(t *testing.T) {
	cases := []struct {
		text        string
		duration    float64
		wordsPerCue int
	}{
		{"the quick brown fox jumps over the lazy dog", 7.3, 4},
		{"a b c d e f g h i j k l m n o p q r s t u v w", 12.345, 5},
		{"  leading   and trailing\tspace  \n lines ", 3, 2},
		{"single", 2.5, 5},
		{"one two three", 100, 1},
	}

	for _, tc := range cases {
		cues := Segment(tc.text, tc.duration, tc.wordsPerCue)
		words := strings.Fields(tc.text)

		var rebuilt []string
		for i, c := range cues {
			if c.Index != i+1 {
				t.Errorf("%q: cue %d has index %d", tc.text, i, c.Index)
			}
			if c.Text == "" || !(c.End > c.Start) {
				t.Errorf("%q: bad cue %+v", tc.text, c)
			}
			n := len(strings.Fields(c.Text))
			if i < len(cues)-1 && n != tc.wordsPerCue {
				t.Errorf("%q: cue %d has %d words, want %d", tc.text, i, n, tc.wordsPerCue)
			}
			if n < 1 || n > tc.wordsPerCue {
				t.Errorf("%q: cue %d has %d words", tc.text, i, n)
			}
			if i > 0 && cues[i-1].End != c.Start {
				t.Errorf("%q: gap between cue %d end %v and cue %d start %v", tc.text, i-1, cues[i-1].End, i, c.Start)
			}
			rebuilt = append(rebuilt, strings.Fields(c.Text)...)
		}

		if !reflect.DeepEqual(rebuilt, words) {
			t.Errorf("%q: rebuilt words %v, want %v", tc.text, rebuilt, words)
		}
		if cues[0].Start != 0 {
			t.Errorf("%q: first cue starts at %v", tc.text, cues[0].Start)
		}
		if last := cues[len(cues)-1].End; math.Abs(last-tc.duration) > epsilon {
			t.Errorf("%q: last cue ends at %v, want %v", tc.text, last, tc.duration)
		}
	}
}

func TestSegment_NonPositiveWordsPerCueMatchesOne(t *testing.T) {
	text := "alpha beta gamma delta"
	want := Segment(text, 8, 1)
	for _, n := range []int{0, -1, -50} {
		if got := Segment(text, 8, n); !reflect.DeepEqual(got, want) {
			t.Errorf("Segment(wordsPerCue=%d) = %+v, want %+v", n, got, want)
		}
	}
	if len(want) != 4 {
		t.Errorf("wordsPerCue=1 gave %d cues, want 4", len(want))
	}
}

func TestSegment_ChunkLargerThanText(t *testing.T) {
	for _, n := range []int{4, 10, math.MaxInt - 1, math.MaxInt} {
		cues := Segment("just three words", 6, n)
		if len(cues) != 1 {
			t.Fatalf("wordsPerCue=%d: got %d cues, want 1", n, len(cues))
		}
		if cues[0].Start != 0 || math.Abs(cues[0].End-6) > epsilon || cues[0].Text != "just three words" {
			t.Errorf("wordsPerCue=%d: cue = %+v", n, cues[0])
		}
	}
}

func TestSegment_TinyDurationKeepsCuesOrdered(t *testing.T) {
	cues := Segment("one two three four", 1e-300, 1)
	if len(cues) != 4 {
		t.Fatalf("got %d cues, want 4", len(cues))
	}
	for i, c := range cues {
		if !(c.End > c.Start) {
			t.Errorf("cue %d = %+v, want end > start", i, c)
		}
	}
}

func TestSegment_Deterministic(t *testing.T) {
	text := "repeatable output for the same narration text every time"
	first := Segment(text, 9.75, 3)
	for i := 0; i < 5; i++ {
		if got := Segment(text, 9.75, 3); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestWordCount(t *testing.T) {
	if got := WordCount(" a  b\tc\n"); got != 3 {
		t.Errorf("WordCount() = %d, want 3", got)
	}
}
