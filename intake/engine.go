package intake

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jurisdesk/intakebot/internal/clockutil"
	"github.com/jurisdesk/intakebot/llm"
	"github.com/jurisdesk/intakebot/triage"
)

const defaultMaxAnalysisTurns = 6

// Config tunes one engine instance. Zero values fall back to defaults.
type Config struct {
	// AssistantName is the persona used in the greeting.
	AssistantName string
	// Model is the LLM model id for decision and pre-analysis prompts.
	Model string
	// MaxAnalysisTurns caps the analysis back-and-forth before a forced
	// finalize. Default 6.
	MaxAnalysisTurns int
	MaxRetryAttempts int
	RetryDelay       time.Duration
}

// Hooks let the transport layer deliver out-of-band replies produced by the
// retry queue.
type Hooks struct {
	OnRetrySuccess func(phone, response string)
	OnRetryFailed  func(phone, message string)
}

// Engine owns the per-client conversation FSMs for one bot. HandleMessage is
// the single entry point: it always returns a user-facing reply, converting
// any processing failure into an apology plus a queued retry.
type Engine struct {
	llm      llm.Client
	analyzer triage.Analyzer
	cfg      Config
	hooks    Hooks
	clock    clockutil.Clock
	logger   *slog.Logger

	mu            sync.Mutex
	clients       map[string]*Client
	conversations map[string]*Conversation

	retries *retryQueue
}

func NewEngine(client llm.Client, analyzer triage.Analyzer, cfg Config, hooks Hooks, clock clockutil.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = clockutil.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAnalysisTurns <= 0 {
		cfg.MaxAnalysisTurns = defaultMaxAnalysisTurns
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Ana"
	}
	e := &Engine{
		llm:           client,
		analyzer:      analyzer,
		cfg:           cfg,
		hooks:         hooks,
		clock:         clock,
		logger:        logger,
		clients:       make(map[string]*Client),
		conversations: make(map[string]*Conversation),
	}
	e.retries = newRetryQueue(clock, cfg.RetryDelay, cfg.MaxRetryAttempts, logger)
	e.retries.process = e.process
	e.retries.onSuccess = func(phone, response string) {
		if hooks.OnRetrySuccess != nil {
			hooks.OnRetrySuccess(phone, response)
		}
	}
	e.retries.onFailed = func(phone, message string) {
		if hooks.OnRetryFailed != nil {
			hooks.OnRetryFailed(phone, message)
		}
	}
	return e
}

// HandleMessage runs one inbound text turn. It never surfaces an error to the
// caller: a processing failure enqueues a retry and the reply is a busy
// apology chosen at random.
func (e *Engine) HandleMessage(ctx context.Context, phone, displayName, text string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	e.touchClient(phone, displayName)
	reply, err := e.process(ctx, phone, text)
	if err != nil {
		e.logger.Warn("intake_turn_error", "phone", phone, "error", err.Error())
		e.retries.Enqueue(phone, text)
		return busyApology()
	}
	return reply
}

// process is the pure-ish step function shared by HandleMessage and the retry
// queue. It holds the engine lock for the whole turn so one client's messages
// are handled strictly in order.
func (e *Engine) process(ctx context.Context, phone, text string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	client := e.ensureClientLocked(phone)
	conv := e.ensureConversationLocked(phone)
	now := e.clock.Now()
	conv.LastActivity = now

	// The retry queue replays failed turns through this same path, so a
	// failing step must leave no trace: roll back the history append and the
	// turn counter, otherwise one user message lands twice in the log and
	// burns an extra analysis turn.
	histLen := len(conv.History)
	turns := conv.AnalysisTurns

	if !conv.State.Terminal() {
		e.appendLocked(conv, DirectionIn, text)
	}

	var reply string
	var err error
	switch conv.State {
	case StateGreeting:
		reply = e.stepGreeting(client, conv)
	case StateCollectingName:
		reply = e.stepCollectName(client, conv, text)
	case StateCollectingEmail:
		reply = e.stepCollectEmail(client, conv, text)
	case StateAnalyzingCase, StateCollectingDetails, StateCollectingDocuments:
		// Details/documents are legacy states from restored snapshots and
		// follow the analysis path.
		reply, err = e.stepAnalyzeCase(ctx, client, conv, text)
	case StateAwaitingDecision:
		reply, err = e.stepDecision(ctx, client, conv, text)
	case StateAwaitingLawyer, StateCompleted:
		reply = reassuranceMessage
	default:
		err = fmt.Errorf("conversation %s in unknown state %q", conv.ID, conv.State)
	}
	if err != nil {
		conv.History = conv.History[:histLen]
		conv.AnalysisTurns = turns
		return "", err
	}
	return reply, nil
}

func (e *Engine) stepGreeting(client *Client, conv *Conversation) string {
	switch {
	case client.Name != "" && client.Email != "":
		conv.State = StateAnalyzingCase
		return e.replyLocked(conv, fmt.Sprintf(
			"Olá novamente, %s! Me conte o que aconteceu, com o máximo de detalhes possível.", firstName(client.Name)))
	case client.Name != "":
		conv.State = StateCollectingEmail
		return e.replyLocked(conv, fmt.Sprintf(
			"Olá, %s! Para prosseguir, qual é o seu e-mail de contato?", firstName(client.Name)))
	default:
		conv.State = StateCollectingName
		return e.replyLocked(conv, fmt.Sprintf(
			"Olá! Sou %s, assistente virtual do escritório. Para começar, qual é o seu nome completo?", e.cfg.AssistantName))
	}
}

func (e *Engine) stepCollectName(client *Client, conv *Conversation, text string) string {
	name := ExtractName(text)
	if name == "" {
		return e.replyLocked(conv,
			"Desculpe, não consegui identificar seu nome. Pode me informar seu nome completo, por favor?")
	}
	client.Name = name
	conv.State = StateCollectingEmail
	return e.replyLocked(conv, fmt.Sprintf(
		"Prazer, %s! Agora preciso do seu e-mail para manter contato.", firstName(name)))
}

func (e *Engine) stepCollectEmail(client *Client, conv *Conversation, text string) string {
	email := ExtractEmail(text)
	if email == "" {
		return e.replyLocked(conv,
			"Esse e-mail não parece válido. Pode me enviar novamente? Exemplo: nome@provedor.com")
	}
	client.Email = email
	conv.State = StateAnalyzingCase
	return e.replyLocked(conv,
		"Obrigado! Agora me conte o que aconteceu, com o máximo de detalhes possível: datas, valores e documentos que você tiver.")
}

func (e *Engine) stepAnalyzeCase(ctx context.Context, client *Client, conv *Conversation, text string) (string, error) {
	conv.AnalysisTurns++
	if conv.AnalysisTurns > e.cfg.MaxAnalysisTurns {
		conv.State = StateCompleted
		conv.CompletionMessage = forcedClosingMessage
		e.logger.Info("intake_forced_finalize", "phone", conv.Phone, "turns", conv.AnalysisTurns)
		return e.replyLocked(conv, forcedClosingMessage), nil
	}

	analysis, err := e.analyzer.Analyze(ctx, conversationNarrative(conv), conv.Phone)
	if err != nil {
		return "", fmt.Errorf("triage analyze: %w", err)
	}
	conv.LatestAnalysis = analysisRef(analysis)
	e.appendLocked(conv, DirectionAnalysis, fmt.Sprintf("categoria=%s urgência=%s", analysis.Category, analysis.Urgency))

	decision, err := llm.Generate(ctx, e.llm, e.cfg.Model, buildDecisionPrompt(client, conv, text))
	if err != nil {
		return "", fmt.Errorf("analysis decision: %w", err)
	}
	if hasFinalizeMarker(decision) {
		conv.State = StateAwaitingDecision
		conv.CompletionMessage = stripFinalizeMarker(decision)
		if conv.CompletionMessage == "" {
			conv.CompletionMessage = "Entendi o seu caso e já registrei as informações."
		}
		offer := conv.CompletionMessage + "\n\nGostaria de receber agora uma pré-análise do seu caso? (sim/não)"
		return e.replyLocked(conv, offer), nil
	}
	return e.replyLocked(conv, strings.TrimSpace(decision)), nil
}

func (e *Engine) stepDecision(ctx context.Context, client *Client, conv *Conversation, text string) (string, error) {
	switch ClassifyDecision(text) {
	case DecisionYes:
		conv.State = StateGeneratingPre
		pre, err := llm.Generate(ctx, e.llm, e.cfg.Model, buildPreAnalysisPrompt(client, conv))
		if err != nil {
			// Back out of the transient state so the retry replays the
			// decision, not an unknown state.
			conv.State = StateAwaitingDecision
			return "", fmt.Errorf("generate pre-analysis: %w", err)
		}
		conv.PreAnalysis = strings.TrimSpace(pre)
		conv.State = StateCompleted
		reply := conv.PreAnalysis + "\n\n" + completedClosingMessage
		return e.replyLocked(conv, reply), nil
	case DecisionNo:
		conv.State = StateCompleted
		return e.replyLocked(conv, completedClosingMessage), nil
	default:
		return e.replyLocked(conv,
			"Desculpe, não entendi. Você gostaria de receber uma pré-análise do seu caso? Responda sim ou não."), nil
	}
}

// Reset discards the stored conversation for phone so the next contact starts
// a fresh intake. Used after a completed case is handed to a lawyer.
func (e *Engine) Reset(phone string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conversations, phone)
}

// Close stops the retry queue.
func (e *Engine) Close() {
	e.retries.Close()
}

// PendingRetries reports queued retry tasks, for status output.
func (e *Engine) PendingRetries() int {
	return e.retries.Pending()
}

// ConversationState returns the current state for phone, or "" when the
// client has never written.
func (e *Engine) ConversationState(phone string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conv, ok := e.conversations[phone]; ok {
		return conv.State
	}
	return ""
}

// Snapshot copies the engine's clients and conversations for persistence.
type Snapshot struct {
	Clients       map[string]*Client       `json:"clients"`
	Conversations map[string]*Conversation `json:"conversations"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Clients:       make(map[string]*Client, len(e.clients)),
		Conversations: make(map[string]*Conversation, len(e.conversations)),
	}
	for phone, c := range e.clients {
		copied := *c
		snap.Clients[phone] = &copied
	}
	for phone, conv := range e.conversations {
		copied := *conv
		copied.History = append([]Message(nil), conv.History...)
		snap.Conversations[phone] = &copied
	}
	return snap
}

// Restore replaces engine state from a persisted snapshot. Unknown states are
// coerced to the analysis step so restored legacy conversations keep moving.
func (e *Engine) Restore(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for phone, c := range snap.Clients {
		copied := *c
		e.clients[phone] = &copied
	}
	for phone, conv := range snap.Conversations {
		copied := *conv
		copied.History = append([]Message(nil), conv.History...)
		if !knownState(copied.State) {
			copied.State = StateAnalyzingCase
		}
		e.conversations[phone] = &copied
	}
}

// LastActivity returns the most recent conversation activity for phone.
func (e *Engine) LastActivity(phone string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conv, ok := e.conversations[phone]; ok {
		return conv.LastActivity, true
	}
	return time.Time{}, false
}

func (e *Engine) touchClient(phone, displayName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	client := e.ensureClientLocked(phone)
	if displayName = strings.TrimSpace(displayName); displayName != "" {
		client.DisplayName = displayName
	}
}

func (e *Engine) ensureClientLocked(phone string) *Client {
	if client, ok := e.clients[phone]; ok {
		return client
	}
	client := &Client{Phone: phone}
	e.clients[phone] = client
	return client
}

func (e *Engine) ensureConversationLocked(phone string) *Conversation {
	if conv, ok := e.conversations[phone]; ok {
		return conv
	}
	now := e.clock.Now()
	conv := &Conversation{
		ID:           uuid.NewString(),
		Phone:        phone,
		State:        StateGreeting,
		StartedAt:    now,
		LastActivity: now,
	}
	e.conversations[phone] = conv
	return conv
}

func (e *Engine) appendLocked(conv *Conversation, dir Direction, body string) {
	conv.History = append(conv.History, Message{
		ID:        uuid.NewString(),
		Direction: dir,
		Body:      body,
		Timestamp: e.clock.Now(),
	})
}

func (e *Engine) replyLocked(conv *Conversation, body string) string {
	e.appendLocked(conv, DirectionOut, body)
	return body
}

func knownState(s State) bool {
	switch s {
	case StateGreeting, StateCollectingName, StateCollectingEmail,
		StateAnalyzingCase, StateCollectingDetails, StateCollectingDocuments,
		StateAwaitingDecision, StateGeneratingPre, StateAwaitingLawyer, StateCompleted:
		return true
	}
	return false
}

func conversationNarrative(conv *Conversation) string {
	var b strings.Builder
	for _, msg := range conv.History {
		if msg.Direction != DirectionIn {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(msg.Body)
	}
	return b.String()
}

func buildDecisionPrompt(client *Client, conv *Conversation, latest string) string {
	var b strings.Builder
	b.WriteString("Você é um assistente de triagem jurídica conversando com ")
	if client.Name != "" {
		b.WriteString(client.Name)
	} else {
		b.WriteString("um cliente")
	}
	b.WriteString(".\n")
	b.WriteString("Relato acumulado do cliente:\n")
	b.WriteString(conversationNarrative(conv))
	b.WriteString("\n\nÚltima mensagem:\n")
	b.WriteString(latest)
	b.WriteString("\n\nSe ainda faltar informação essencial sobre o caso, responda apenas com UMA pergunta curta de acompanhamento.\n")
	b.WriteString("Se o relato já for suficiente para encaminhar a um advogado, responda com um breve resumo de encerramento seguido da palavra FINALIZAR.")
	return b.String()
}

func buildPreAnalysisPrompt(client *Client, conv *Conversation) string {
	var b strings.Builder
	b.WriteString("Produza uma pré-análise jurídica em português, clara e acessível, do caso abaixo.\n")
	b.WriteString("Inclua: resumo dos fatos, área do direito, possíveis direitos envolvidos, documentos recomendados e próximos passos.\n")
	b.WriteString("Não prometa resultados. Deixe claro que um advogado fará a avaliação final.\n\n")
	if client.Name != "" {
		fmt.Fprintf(&b, "Cliente: %s\n", client.Name)
	}
	if conv.LatestAnalysis != nil {
		fmt.Fprintf(&b, "Triagem automática: categoria=%s urgência=%s\n", conv.LatestAnalysis.Category, conv.LatestAnalysis.Urgency)
	}
	b.WriteString("\nHistórico da conversa:\n")
	for _, msg := range conv.History {
		switch msg.Direction {
		case DirectionIn:
			b.WriteString("Cliente: ")
		case DirectionOut:
			b.WriteString("Assistente: ")
		default:
			continue
		}
		b.WriteString(msg.Body)
		b.WriteString("\n")
	}
	return b.String()
}

func analysisRef(a triage.Analysis) *AnalysisRef {
	return &AnalysisRef{
		Category:          a.Category,
		Urgency:           string(a.Urgency),
		Description:       a.Description,
		Documents:         a.Documents,
		Confidence:        a.Confidence,
		Escalate:          a.Escalate,
		RecommendedAction: a.RecommendedAction,
		Flags:             a.Flags,
	}
}

const (
	reassuranceMessage = "Seu caso já foi registrado e encaminhado para nossa equipe jurídica. Um advogado entrará em contato em breve. Obrigado pela paciência!"

	completedClosingMessage = "Suas informações foram registradas e encaminhadas para nossa equipe. Um advogado entrará em contato em breve. Obrigado!"

	forcedClosingMessage = "Obrigado por todas as informações! Já temos o suficiente para encaminhar seu caso. Nossa equipe jurídica entrará em contato em breve."
)

var busyApologies = []string{
	"Desculpe, estou com um grande volume de atendimentos agora. Já te respondo, um momento!",
	"Um instante, por favor! Estou finalizando outro atendimento e já volto para você.",
	"Estou um pouco ocupada no momento, mas sua mensagem foi recebida. Respondo em instantes!",
}

func busyApology() string {
	return busyApologies[rand.Intn(len(busyApologies))]
}
