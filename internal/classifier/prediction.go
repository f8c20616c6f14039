package classifier

import (
	"math"
	"strconv"
	"strings"
)

// UnknownLabel is reported when the model produced no scores.
const UnknownLabel = "Unknown"

// Prediction is the outcome of one classification. Found is false when the
// score vector was empty; Index is then -1 and Label is UnknownLabel.
type Prediction struct {
	Index         int       `json:"index"`
	Label         string    `json:"label"`
	Probabilities []float32 `json:"probabilities"`
	Found         bool      `json:"found"`
}

// Select picks the highest score and its label. Ties go to the lowest index.
// A score whose index has no label is reported under UnknownLabel.
func Select(probs []float32, labels []string) Prediction {
	out := Prediction{Index: -1, Label: UnknownLabel, Probabilities: append([]float32(nil), probs...)}
	if len(probs) == 0 {
		return out
	}

	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}

	out.Index = best
	out.Found = true
	if best < len(labels) {
		out.Label = labels[best]
	}
	return out
}

// Text renders the prediction the way it is shown to end users.
func (p Prediction) Text() string {
	var sb strings.Builder
	sb.WriteString("Predicción: ")
	sb.WriteString(p.Label)
	sb.WriteString("\nProbabilidades: ")
	sb.WriteString(FormatProbabilities(p.Probabilities))
	return sb.String()
}

// FormatProbabilities joins scores with ", ".
func FormatProbabilities(probs []float32) string {
	parts := make([]string, len(probs))
	for i, v := range probs {
		parts[i] = FormatScore(v)
	}
	return strings.Join(parts, ", ")
}

// FormatScore prints the shortest float32 digits in the notation the
// mobile client shows: always a fractional part ("1.0"), and E notation
// outside [1e-3, 1e7) ("1.0E-5").
func FormatScore(v float32) string {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	if abs := math.Abs(f); abs >= 1e-3 && abs < 1e7 {
		s := strconv.FormatFloat(f, 'f', -1, 32)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}

	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 32), "e")
	if !strings.Contains(mantissa, ".") {
		mantissa += ".0"
	}
	n, _ := strconv.Atoi(exp)
	return mantissa + "E" + strconv.Itoa(n)
}
