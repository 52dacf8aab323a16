// Package wsgateway implements transport.Session over a websocket gateway
// that fronts the actual messaging account. Frames are JSON objects with a
// "type" discriminator.
package wsgateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jurisdesk/intakebot/transport"
)

const (
	writeTimeout    = 10 * time.Second
	pongWait        = 30 * time.Second
	downloadTimeout = 60 * time.Second
	eventBuffer     = 64
)

type Dialer struct {
	GatewayURL string
	Logger     *slog.Logger

	// WSDialer overrides the websocket dialer, mainly for tests.
	WSDialer *websocket.Dialer
}

func NewDialer(gatewayURL string, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{GatewayURL: strings.TrimSpace(gatewayURL), Logger: logger}
}

func (d *Dialer) Dial(ctx context.Context, botID string, creds transport.Credentials) (transport.Session, error) {
	if d == nil {
		return nil, fmt.Errorf("wsgateway dialer is nil")
	}
	if d.GatewayURL == "" {
		return nil, fmt.Errorf("wsgateway url is required")
	}
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, fmt.Errorf("bot id is required")
	}
	wsDialer := d.WSDialer
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}
	conn, _, err := wsDialer.DialContext(ctx, d.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", d.GatewayURL, err)
	}
	return &session{
		botID:    botID,
		conn:     conn,
		creds:    creds,
		logger:   d.Logger.With("bot_id", botID),
		events:   make(chan transport.Event, eventBuffer),
		pongs:    make(map[uint64]chan struct{}),
		pending:  make(map[uint64]chan downloadResult),
		closedCh: make(chan struct{}),
	}, nil
}

type frame struct {
	Type        string `json:"type"`
	BotID       string `json:"bot_id,omitempty"`
	Credentials string `json:"credentials,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Reason      string `json:"reason,omitempty"`
	To          string `json:"to,omitempty"`
	Text        string `json:"text,omitempty"`
	Active      bool   `json:"active,omitempty"`
	ID          uint64 `json:"id,omitempty"`
	RequestID   uint64 `json:"request_id,omitempty"`
	Data        string `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`

	Message *messageFrame `json:"message,omitempty"`
}

type messageFrame struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	PushName  string `json:"push_name,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Filename  string `json:"filename,omitempty"`
	HasMedia  bool   `json:"has_media,omitempty"`
}

type downloadResult struct {
	data []byte
	err  error
}

type session struct {
	botID  string
	conn   *websocket.Conn
	creds  transport.Credentials
	logger *slog.Logger

	events chan transport.Event

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pongs   map[uint64]chan struct{}
	pending map[uint64]chan downloadResult

	closeOnce sync.Once
	closedCh  chan struct{}
}

func (s *session) Connect(ctx context.Context) error {
	hello := frame{Type: "connect", BotID: s.botID}
	if s.creds != nil {
		data, ok, err := s.creds.Load(ctx)
		if err != nil {
			s.logger.Warn("gateway_credentials_load_error", "error", err.Error())
		} else if ok {
			hello.Credentials = base64.StdEncoding.EncodeToString(data)
		}
	}
	if err := s.writeFrame(hello); err != nil {
		return fmt.Errorf("gateway connect: %w", err)
	}
	go s.readLoop()
	return nil
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

func (s *session) SendText(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("send target is required")
	}
	return s.writeFrame(frame{Type: "send", To: to, Text: text})
}

func (s *session) SendTyping(ctx context.Context, to string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeFrame(frame{Type: "typing", To: strings.TrimSpace(to), Active: active})
}

func (s *session) Ping(ctx context.Context) error {
	id := s.seq.Add(1)
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.pongs[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pongs, id)
		s.mu.Unlock()
	}()

	if err := s.writeFrame(frame{Type: "ping", ID: id}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-s.closedCh:
		return fmt.Errorf("gateway session closed")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pongWait):
		return fmt.Errorf("gateway ping timeout")
	}
}

func (s *session) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeFrame(frame{Type: "logout"})
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		_ = s.conn.Close()
	})
	return nil
}

func (s *session) writeFrame(f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal gateway frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write gateway frame: %w", err)
	}
	return nil
}

func (s *session) readLoop() {
	defer func() {
		s.failPending()
		close(s.events)
		_ = s.Close()
	}()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closedCh:
			default:
				s.logger.Debug("gateway_read_closed", "error", err.Error())
				s.emit(transport.Event{Kind: transport.EventDisconnected, Reason: transport.ReasonNetwork})
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Warn("gateway_bad_frame", "error", err.Error())
			continue
		}
		switch f.Type {
		case "qr":
			s.emit(transport.Event{Kind: transport.EventQR, QR: f.Payload})
		case "ready":
			s.emit(transport.Event{Kind: transport.EventReady})
		case "authenticated":
			s.emit(transport.Event{Kind: transport.EventAuthenticated, Phone: f.Phone})
		case "credentials":
			s.storeCredentials(f.Data)
		case "disconnected":
			s.emit(transport.Event{Kind: transport.EventDisconnected, Reason: disconnectReason(f.Reason)})
			return
		case "message":
			if msg := s.messageFromFrame(f.Message); msg != nil {
				s.emit(transport.Event{Kind: transport.EventMessage, Message: msg})
			}
		case "pong":
			s.mu.Lock()
			if ch, ok := s.pongs[f.ID]; ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			s.mu.Unlock()
		case "media":
			s.resolveDownload(f)
		default:
			s.logger.Debug("gateway_frame_ignored", "frame_type", f.Type)
		}
	}
}

func (s *session) storeCredentials(data string) {
	if s.creds == nil {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.logger.Warn("gateway_credentials_decode_error", "error", err.Error())
		return
	}
	if err := s.creds.Save(context.Background(), decoded); err != nil {
		s.logger.Warn("gateway_credentials_save_error", "error", err.Error())
	}
}

func (s *session) messageFromFrame(mf *messageFrame) *transport.Message {
	if mf == nil || strings.TrimSpace(mf.ID) == "" {
		return nil
	}
	msg := &transport.Message{
		ID:        strings.TrimSpace(mf.ID),
		From:      strings.TrimSpace(mf.From),
		PushName:  strings.TrimSpace(mf.PushName),
		Timestamp: time.UnixMilli(mf.Timestamp),
		Kind:      messageKind(mf.Kind),
		Text:      mf.Text,
		MimeType:  strings.TrimSpace(mf.MimeType),
		Filename:  strings.TrimSpace(mf.Filename),
	}
	if mf.HasMedia {
		messageID := msg.ID
		msg.Download = func(ctx context.Context) ([]byte, error) {
			return s.download(ctx, messageID)
		}
	}
	return msg
}

func (s *session) download(ctx context.Context, messageID string) ([]byte, error) {
	requestID := s.seq.Add(1)
	ch := make(chan downloadResult, 1)
	s.mu.Lock()
	s.pending[requestID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	if err := s.writeFrame(frame{Type: "download", Text: messageID, RequestID: requestID}); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.data, res.err
	case <-s.closedCh:
		return nil, fmt.Errorf("gateway session closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(downloadTimeout):
		return nil, fmt.Errorf("gateway download timeout")
	}
}

func (s *session) resolveDownload(f frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.RequestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if f.Error != "" {
		ch <- downloadResult{err: fmt.Errorf("gateway download: %s", f.Error)}
		return
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		ch <- downloadResult{err: fmt.Errorf("gateway download decode: %w", err)}
		return
	}
	ch <- downloadResult{data: data}
}

func (s *session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		select {
		case ch <- downloadResult{err: fmt.Errorf("gateway session closed")}:
		default:
		}
		delete(s.pending, id)
	}
}

func (s *session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.closedCh:
	}
}

func disconnectReason(raw string) transport.DisconnectReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "logged_out", "logout":
		return transport.ReasonLoggedOut
	case "replaced", "conflict", "session_replaced":
		return transport.ReasonReplaced
	case "closed":
		return transport.ReasonClosed
	default:
		return transport.ReasonNetwork
	}
}

func messageKind(raw string) transport.MessageKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "text", "chat":
		return transport.KindText
	case "audio", "ptt", "voice":
		return transport.KindAudio
	case "image":
		return transport.KindImage
	case "video":
		return transport.KindVideo
	case "document":
		return transport.KindDocument
	default:
		return transport.KindUnknown
	}
}
