package domain

import "testing"

func TestShouldBlock(t *testing.T) {
	t.Parallel()

	blocking := NewLabelSet(DefaultBlockingLabels...)

	cases := []struct {
		name        string
		predictions []Prediction
		want        bool
	}{
		{
			name:        "neutral wins",
			predictions: []Prediction{{"Porn", 0.2}, {"Neutral", 0.9}, {"Hentai", 0.1}},
			want:        false,
		},
		{
			name:        "porn wins",
			predictions: []Prediction{{"Porn", 0.95}, {"Neutral", 0.05}},
			want:        true,
		},
		{
			name:        "tie keeps first",
			predictions: []Prediction{{"Porn", 0.5}, {"Hentai", 0.5}},
			want:        true,
		},
		{
			name:        "tie keeps first allowed label",
			predictions: []Prediction{{"Drawing", 0.5}, {"Sexy", 0.5}},
			want:        false,
		},
		{
			name:        "low confidence still blocks",
			predictions: []Prediction{{"Sexy", 0.3}, {"Neutral", 0.25}, {"Drawing", 0.2}},
			want:        true,
		},
		{
			name:        "unknown label allowed",
			predictions: []Prediction{{"Cat", 0.99}},
			want:        false,
		},
		{
			name:        "failure marker allowed",
			predictions: FailedPredictions(),
			want:        false,
		},
		{
			name: "empty",
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ShouldBlock(tc.predictions, blocking); got != tc.want {
				t.Fatalf("ShouldBlock(%v) = %v, want %v", tc.predictions, got, tc.want)
			}
		})
	}
}

func TestTopPredictionTieBreak(t *testing.T) {
	t.Parallel()

	top, ok := TopPrediction([]Prediction{{"Porn", 0.5}, {"Hentai", 0.5}})
	if !ok {
		t.Fatalf("expected a top prediction")
	}
	if top.Label != "Porn" {
		t.Fatalf("expected first-occurring Porn, got %s", top.Label)
	}
}

func TestCustomBlockingSet(t *testing.T) {
	t.Parallel()

	blocking := NewLabelSet("Drawing", " ", "")
	if len(blocking) != 1 {
		t.Fatalf("expected blank labels to be ignored, got %v", blocking)
	}
	if !ShouldBlock([]Prediction{{"Drawing", 0.7}, {"Porn", 0.3}}, blocking) {
		t.Fatalf("expected Drawing to block with custom set")
	}
}
