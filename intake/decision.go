package intake

import "strings"

// Decision is the outcome of classifying a yes/no reply.
type Decision int

const (
	DecisionAmbiguous Decision = iota
	DecisionYes
	DecisionNo
)

var positiveMarkers = []string{
	"sim", "quero", "pode", "claro", "ok", "com certeza", "gostaria",
	"por favor", "aceito", "positivo", "manda", "envia", "vamos",
}

var negativeMarkers = []string{
	"não", "nao", "negativo", "depois", "agora não", "agora nao",
	"não precisa", "nao precisa", "dispenso", "deixa",
}

// ClassifyDecision matches the reply against keyword lists. Negative markers
// win over positive ones so "não quero" is a refusal.
func ClassifyDecision(text string) Decision {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return DecisionAmbiguous
	}
	for _, marker := range negativeMarkers {
		if containsWord(lower, marker) {
			return DecisionNo
		}
	}
	for _, marker := range positiveMarkers {
		if containsWord(lower, marker) {
			return DecisionYes
		}
	}
	return DecisionAmbiguous
}

func containsWord(text, marker string) bool {
	if strings.Contains(marker, " ") {
		return strings.Contains(text, marker)
	}
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	}) {
		if field == marker {
			return true
		}
	}
	return false
}

const finalizeMarker = "FINALIZAR"

// hasFinalizeMarker reports whether the LLM decision output contains the
// finalize token, signalling the analysis loop should stop.
func hasFinalizeMarker(text string) bool {
	return strings.Contains(strings.ToUpper(text), finalizeMarker)
}

// stripFinalizeMarker removes the token and surrounding whitespace so it never
// leaks into a user-visible message.
func stripFinalizeMarker(text string) string {
	upper := strings.ToUpper(text)
	idx := strings.Index(upper, finalizeMarker)
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:idx] + text[idx+len(finalizeMarker):])
}
