package pipeline

import "testing"

func TestIsNoise(t *testing.T) {
	cases := []struct {
		transcript string
		want       bool
	}{
		{"um", true},
		{"Uh.", true},
		{"hmm", true},
		{"umm", true},
		{"uhh", true},
		{"hmmm", true},
		{"...", true},
		{"?!", true},
		{"", false},
		{"huh?", false},
		{"ah!", false},
		{"no", false},
		{"ok", false},
		{"yes please", false},
		{"oh no that broke", false},
		{"turn the lights on", false},
	}
	for _, tc := range cases {
		t.Run(tc.transcript, func(t *testing.T) {
			if got := isNoise(tc.transcript); got != tc.want {
				t.Errorf("isNoise(%q) = %v, want %v", tc.transcript, got, tc.want)
			}
		})
	}
}
