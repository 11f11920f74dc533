package gateway

import (
	"reflect"
	"testing"
)

func TestSentenceSplitter_Feed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		deltas []string
		want   []string
		rest   string
	}{
		{
			name:   "two sentences in one delta",
			deltas: []string{"Hi there. How are you? "},
			want:   []string{"Hi there.", "How are you?"},
			rest:   "",
		},
		{
			name:   "boundary split across deltas",
			deltas: []string{"Hi th", "ere. How", " are you"},
			want:   []string{"Hi there."},
			rest:   "How are you",
		},
		{
			name:   "newline terminates a line",
			deltas: []string{"- item one\n- item two"},
			want:   []string{"- item one"},
			rest:   "- item two",
		},
		{
			name:   "no boundary keeps everything buffered",
			deltas: []string{"wait for it"},
			want:   nil,
			rest:   "wait for it",
		},
		{
			name:   "terminator without trailing space stays buffered",
			deltas: []string{"Done."},
			want:   nil,
			rest:   "Done.",
		},
		{
			name:   "exclamation and question marks",
			deltas: []string{"Wow! Really? Yes. "},
			want:   []string{"Wow!", "Really?", "Yes."},
			rest:   "",
		},
		{
			name:   "blank line yields no empty sentence",
			deltas: []string{"\n\nText follows"},
			want:   nil,
			rest:   "Text follows",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var s SentenceSplitter
			var got []string
			for _, d := range tc.deltas {
				got = append(got, s.Feed(d)...)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("sentences = %q, want %q", got, tc.want)
			}
			if rest := s.Flush(); rest != tc.rest {
				t.Errorf("residual = %q, want %q", rest, tc.rest)
			}
		})
	}
}

func TestSentenceSplitter_FlushResets(t *testing.T) {
	t.Parallel()
	var s SentenceSplitter
	s.Feed("leftover")
	if got := s.Flush(); got != "leftover" {
		t.Fatalf("Flush = %q, want leftover", got)
	}
	if got := s.Flush(); got != "" {
		t.Errorf("second Flush = %q, want empty", got)
	}
}
