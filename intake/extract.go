package intake

import (
	"regexp"
	"strings"
	"unicode"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// ExtractEmail returns the first email-shaped token in text, or "" when none.
func ExtractEmail(text string) string {
	match := emailPattern.FindString(text)
	return strings.ToLower(strings.TrimSpace(match))
}

var questionMarkers = []string{
	"?", "por que", "por quê", "porque", "pra que", "para que", "pq",
	"o que", "quem é", "como assim",
}

var greetingPhrases = []string{
	"olá", "ola", "oi", "bom dia", "boa tarde", "boa noite", "e aí", "eai", "hello",
}

var nameStopWords = map[string]bool{
	"sim": true, "não": true, "nao": true, "ok": true, "oi": true,
	"ola": true, "olá": true, "meu": true, "nome": true, "sou": true,
	"oii": true, "opa": true, "blz": true, "legal": true, "claro": true,
	"pode": true, "quero": true, "ajuda": true, "teste": true,
}

// ExtractName applies the intake heuristics: reject questions and greetings,
// reject short or stop-word single tokens, accept letter-only capitalized
// words. Returns "" when no plausible name is present.
func ExtractName(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range questionMarkers {
		if strings.Contains(lower, marker) {
			return ""
		}
	}
	for _, greeting := range greetingPhrases {
		if lower == greeting || strings.HasPrefix(lower, greeting+" ") || strings.HasPrefix(lower, greeting+",") {
			return ""
		}
	}

	tokens := strings.Fields(trimmed)
	if len(tokens) == 0 || len(tokens) > 5 {
		return ""
	}
	for _, token := range tokens {
		if !lettersOnly(token) {
			return ""
		}
	}
	if len(tokens) == 1 {
		token := tokens[0]
		if len([]rune(token)) < 3 {
			return ""
		}
		if nameStopWords[strings.ToLower(token)] {
			return ""
		}
	}
	return titleCaseName(tokens)
}

func lettersOnly(token string) bool {
	for _, r := range token {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(token) > 0
}

var nameParticles = map[string]bool{
	"de": true, "da": true, "do": true, "das": true, "dos": true, "e": true,
}

func firstName(full string) string {
	if fields := strings.Fields(full); len(fields) > 0 {
		return fields[0]
	}
	return full
}

func titleCaseName(tokens []string) string {
	out := make([]string, 0, len(tokens))
	for i, token := range tokens {
		lower := strings.ToLower(token)
		if i > 0 && nameParticles[lower] {
			out = append(out, lower)
			continue
		}
		runes := []rune(lower)
		runes[0] = unicode.ToUpper(runes[0])
		out = append(out, string(runes))
	}
	return strings.Join(out, " ")
}
