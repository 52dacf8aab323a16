package triage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jurisdesk/intakebot/llm"
)

// LLMAnalyzer runs the classification prompt against the LLM collaborator and
// falls back to keyword heuristics when the model is unreachable or returns
// unusable JSON. Analyze never fails hard: the caller always gets an Analysis.
type LLMAnalyzer struct {
	Client llm.Client
	Model  string
	Logger *slog.Logger
}

func NewLLMAnalyzer(client llm.Client, model string, logger *slog.Logger) *LLMAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMAnalyzer{Client: client, Model: model, Logger: logger}
}

type analysisPayload struct {
	Category          string   `json:"category"`
	Urgency           string   `json:"urgency"`
	Description       string   `json:"description"`
	Documents         []string `json:"documents"`
	Confidence        float64  `json:"confidence"`
	Escalate          bool     `json:"escalate"`
	RecommendedAction string   `json:"recommended_action"`
	Flags             []string `json:"flags"`
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, text, phone string) (Analysis, error) {
	if a == nil || a.Client == nil {
		return HeuristicAnalyze(text), nil
	}
	raw, err := llm.GenerateJSON(ctx, a.Client, a.Model, buildAnalysisPrompt(text))
	if err != nil {
		a.Logger.Warn("triage_llm_error", "phone", phone, "error", err.Error())
		return HeuristicAnalyze(text), nil
	}
	var payload analysisPayload
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &payload); err != nil {
		a.Logger.Warn("triage_decode_error", "phone", phone, "error", err.Error())
		return HeuristicAnalyze(text), nil
	}
	analysis := Analysis{
		Category:          strings.TrimSpace(payload.Category),
		Urgency:           normalizeUrgency(payload.Urgency),
		Description:       strings.TrimSpace(payload.Description),
		Documents:         payload.Documents,
		Confidence:        clamp01(payload.Confidence),
		Escalate:          payload.Escalate,
		RecommendedAction: strings.TrimSpace(payload.RecommendedAction),
		Flags:             payload.Flags,
	}
	if analysis.Category == "" {
		analysis.Category = "outros"
	}
	return analysis, nil
}

func buildAnalysisPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Você é um assistente de triagem jurídica. Classifique o relato abaixo.\n")
	b.WriteString("Responda somente com JSON com os campos: category, urgency (low|medium|high|critical), ")
	b.WriteString("description, documents (lista de documentos necessários), confidence (0..1), escalate (bool), ")
	b.WriteString("recommended_action, flags (lista).\n\nRelato:\n")
	b.WriteString(text)
	return b.String()
}

// extractJSONObject tolerates models that wrap the object in prose or fences.
func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// HeuristicAnalyze is the offline fallback: keyword buckets tuned for the
// most common intake categories.
func HeuristicAnalyze(text string) Analysis {
	lower := strings.ToLower(text)
	category := "outros"
	confidence := 0.3
	for _, bucket := range heuristicBuckets {
		for _, kw := range bucket.keywords {
			if strings.Contains(lower, kw) {
				category = bucket.category
				confidence = 0.5
				break
			}
		}
		if category != "outros" {
			break
		}
	}
	urgency := UrgencyMedium
	escalate := false
	for _, kw := range urgentKeywords {
		if strings.Contains(lower, kw) {
			urgency = UrgencyHigh
			escalate = true
			break
		}
	}
	return Analysis{
		Category:          category,
		Urgency:           urgency,
		Description:       firstSentence(text),
		Documents:         []string{"documento de identidade", "comprovantes relacionados ao caso"},
		Confidence:        confidence,
		Escalate:          escalate,
		RecommendedAction: "encaminhar para avaliação de um advogado",
	}
}

var heuristicBuckets = []struct {
	category string
	keywords []string
}{
	{category: "trabalhista", keywords: []string{"trabalho", "demitido", "demissão", "salário", "rescisão", "fgts", "hora extra"}},
	{category: "consumidor", keywords: []string{"comprei", "produto", "loja", "cobrança", "negativado", "serasa", "compra"}},
	{category: "família", keywords: []string{"divórcio", "pensão", "guarda", "casamento", "separação"}},
	{category: "previdenciário", keywords: []string{"inss", "aposentadoria", "benefício", "auxílio"}},
	{category: "criminal", keywords: []string{"crime", "delegacia", "boletim de ocorrência", "preso", "flagrante"}},
}

var urgentKeywords = []string{"urgente", "amanhã", "prazo", "audiência", "liminar", "despejo", "preso"}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for _, sep := range []string{". ", "\n"} {
		if idx := strings.Index(text, sep); idx > 0 {
			return text[:idx+1]
		}
	}
	if runes := []rune(text); len(runes) > 200 {
		return string(runes[:200])
	}
	return text
}
