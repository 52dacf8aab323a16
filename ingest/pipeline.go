// Package ingest normalizes raw transport messages into text turns for the
// conversation engine: dedup by message id, age-based admission, and media
// classification with best-effort extraction.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jurisdesk/intakebot/internal/clockutil"
	"github.com/jurisdesk/intakebot/transport"
)

const (
	defaultDedupCapacity      = 100
	defaultFirstConnectWindow = 30 * time.Second
	defaultReconnectBuffer    = 60 * time.Second
	defaultRecoveryWindow     = 24 * time.Hour
)

// Transcriber converts an audio payload to text.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Uploader stores a media payload and returns a remote reference.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
}

type Config struct {
	// FirstConnectWindow is the strict admission window applied on a bot's
	// first ever connection, to avoid replaying transport history.
	FirstConnectWindow time.Duration
	// ReconnectBuffer widens the lastActivity cutoff on reconnection.
	ReconnectBuffer time.Duration
	// RecoveryWindow bounds how far back messages are accepted after a
	// long outage.
	RecoveryWindow time.Duration
	DedupCapacity  int
}

func (c Config) withDefaults() Config {
	if c.FirstConnectWindow <= 0 {
		c.FirstConnectWindow = defaultFirstConnectWindow
	}
	if c.ReconnectBuffer <= 0 {
		c.ReconnectBuffer = defaultReconnectBuffer
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = defaultRecoveryWindow
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = defaultDedupCapacity
	}
	return c
}

// Admission is the per-message context the supervisor knows and the pipeline
// does not: which regime applies and the conversation's last activity.
type Admission struct {
	// FirstConnection selects the strict window regime.
	FirstConnection bool
	// LastActivity is the newest conversation activity before this
	// session, zero when unknown.
	LastActivity time.Time
}

// Result is the pipeline verdict for one transport message.
type Result struct {
	// Text is the normalized turn for the engine, valid when neither Drop
	// nor ShortCircuit apply.
	Text string
	// Media marks the message exempt from the processing flag and the
	// spam cooldown.
	Media bool
	// ShortCircuit, when non-empty, is a fixed reply to send directly
	// without touching conversation state.
	ShortCircuit string
	// Drop means the message produces no reply at all.
	Drop       bool
	DropReason string
}

// Pipeline is stateful per bot: the dedup set spans the session.
type Pipeline struct {
	cfg         Config
	clock       clockutil.Clock
	logger      *slog.Logger
	transcriber Transcriber
	uploader    Uploader
	dedup       *dedupSet
}

func NewPipeline(cfg Config, transcriber Transcriber, uploader Uploader, clock clockutil.Clock, logger *slog.Logger) *Pipeline {
	if clock == nil {
		clock = clockutil.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:         cfg,
		clock:       clock,
		logger:      logger,
		transcriber: transcriber,
		uploader:    uploader,
		dedup:       newDedupSet(cfg.DedupCapacity),
	}
}

// Process runs dedup, admission and classification for one message.
func (p *Pipeline) Process(ctx context.Context, msg *transport.Message, adm Admission) Result {
	if msg == nil || msg.ID == "" {
		return Result{Drop: true, DropReason: "empty"}
	}
	if p.dedup.Observe(msg.ID) {
		p.logger.Debug("ingest_duplicate", "message_id", msg.ID)
		return Result{Drop: true, DropReason: "duplicate"}
	}
	if reason := p.admit(msg.Timestamp, adm); reason != "" {
		p.logger.Debug("ingest_too_old", "message_id", msg.ID, "reason", reason)
		return Result{Drop: true, DropReason: reason}
	}
	return p.classify(ctx, msg)
}

// admit returns a drop reason, or "" when the message is admitted.
func (p *Pipeline) admit(ts time.Time, adm Admission) string {
	if ts.IsZero() {
		return ""
	}
	now := p.clock.Now()
	if adm.FirstConnection {
		if now.Sub(ts) > p.cfg.FirstConnectWindow {
			return "before_first_connect_window"
		}
		return ""
	}
	cutoff := adm.LastActivity.Add(-p.cfg.ReconnectBuffer)
	if adm.LastActivity.IsZero() || now.Sub(adm.LastActivity) > p.cfg.RecoveryWindow {
		cutoff = now.Add(-p.cfg.RecoveryWindow)
	}
	if ts.Before(cutoff) {
		return "before_reconnect_cutoff"
	}
	return ""
}

func (p *Pipeline) classify(ctx context.Context, msg *transport.Message) Result {
	switch msg.Kind {
	case transport.KindText:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return Result{Drop: true, DropReason: "empty_text"}
		}
		return Result{Text: text}
	case transport.KindAudio:
		return Result{Text: p.transcribe(ctx, msg), Media: true}
	case transport.KindDocument:
		if !isPDF(msg.MimeType) {
			return Result{
				Media:        true,
				ShortCircuit: unsupportedDocumentReply,
			}
		}
		p.uploadBestEffort(ctx, msg)
		return Result{Text: fmt.Sprintf("[documento recebido: %s]", documentLabel(msg)), Media: true}
	case transport.KindImage, transport.KindVideo:
		p.uploadBestEffort(ctx, msg)
		return Result{Text: mediaPlaceholder(msg.Kind), Media: true}
	default:
		return Result{Drop: true, DropReason: "unsupported_kind"}
	}
}

func (p *Pipeline) transcribe(ctx context.Context, msg *transport.Message) string {
	if p.transcriber == nil || msg.Download == nil {
		return transcriptionApology
	}
	data, err := msg.Download(ctx)
	if err != nil {
		p.logger.Warn("ingest_audio_download_error", "message_id", msg.ID, "error", err.Error())
		return transcriptionApology
	}
	text, err := p.transcriber.Transcribe(ctx, data, msg.MimeType)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			p.logger.Warn("ingest_transcription_error", "message_id", msg.ID, "error", err.Error())
		}
		return transcriptionApology
	}
	return strings.TrimSpace(text)
}

func (p *Pipeline) uploadBestEffort(ctx context.Context, msg *transport.Message) {
	if p.uploader == nil || msg.Download == nil {
		return
	}
	data, err := msg.Download(ctx)
	if err != nil {
		p.logger.Warn("ingest_media_download_error", "message_id", msg.ID, "error", err.Error())
		return
	}
	ref, err := p.uploader.Upload(ctx, data, documentLabel(msg))
	if err != nil {
		p.logger.Warn("ingest_upload_error", "message_id", msg.ID, "error", err.Error())
		return
	}
	p.logger.Info("ingest_media_uploaded", "message_id", msg.ID, "ref", ref)
}

func isPDF(mimeType string) bool {
	return strings.Contains(strings.ToLower(mimeType), "pdf")
}

func documentLabel(msg *transport.Message) string {
	if msg.Filename != "" {
		return msg.Filename
	}
	return msg.ID
}

func mediaPlaceholder(kind transport.MessageKind) string {
	if kind == transport.KindVideo {
		return "[vídeo recebido]"
	}
	return "[imagem recebida]"
}

const (
	unsupportedDocumentReply = "No momento só consigo receber documentos em PDF. Pode enviar o arquivo em PDF, por favor?"

	transcriptionApology = "Desculpe, não consegui ouvir seu áudio. Pode escrever sua mensagem, por favor?"
)
