package domain

import "strings"

// DefaultBlockingLabels are the classes that trigger masking.
var DefaultBlockingLabels = []string{"Porn", "Sexy", "Hentai"}

// LabelSet is a set of class labels.
type LabelSet map[string]struct{}

// NewLabelSet builds a set, ignoring blank entries.
func NewLabelSet(labels ...string) LabelSet {
	set := make(LabelSet, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		set[label] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s LabelSet) Contains(label string) bool {
	_, ok := s[label]
	return ok
}

// TopPrediction returns the highest-scoring entry; ties keep the earliest one.
func TopPrediction(predictions []Prediction) (Prediction, bool) {
	if len(predictions) == 0 {
		return Prediction{}, false
	}

	top := predictions[0]
	for _, p := range predictions[1:] {
		if p.Score > top.Score {
			top = p
		}
	}
	return top, true
}

// ShouldBlock decides on label identity of the top prediction alone; the score is not thresholded.
func ShouldBlock(predictions []Prediction, blocking LabelSet) bool {
	top, ok := TopPrediction(predictions)
	if !ok {
		return false
	}
	return blocking.Contains(top.Label)
}
