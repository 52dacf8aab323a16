package fleet

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jurisdesk/intakebot/ingest"
	"github.com/jurisdesk/intakebot/intake"
	"github.com/jurisdesk/intakebot/internal/clockutil"
	"github.com/jurisdesk/intakebot/llm"
	"github.com/jurisdesk/intakebot/throttle"
	"github.com/jurisdesk/intakebot/transport"
	"github.com/jurisdesk/intakebot/triage"
)

const (
	defaultMaxReconnectAttempts = 10
	defaultKeepAliveInterval    = 5 * time.Minute
	defaultRestoreBaseTimeout   = 30 * time.Second
	defaultRestorePerAttempt    = 10 * time.Second

	baseReconnectMillis = 5000
	maxReconnectMillis  = 60000
	reconnectFactor     = 1.5

	// restoreWipeThreshold is how many consecutive restoration timeouts are
	// tolerated before the stored credentials are wiped.
	restoreWipeThreshold = 3
)

var (
	ErrAlreadyStarting = errors.New("fleet: start already in progress")
	ErrAlreadyRunning  = errors.New("fleet: session already active")
)

// ReconnectDelay is the backoff before reconnect attempt k, growing by a
// factor of 1.5 from 5s and capped at 60s.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := baseReconnectMillis * math.Pow(reconnectFactor, float64(attempt-1))
	if ms > maxReconnectMillis {
		ms = maxReconnectMillis
	}
	return time.Duration(ms) * time.Millisecond
}

// SupervisorConfig tunes one supervisor. Zero values fall back to defaults.
type SupervisorConfig struct {
	KeepAliveInterval    time.Duration
	MaxReconnectAttempts int
	// RestoreBaseTimeout bounds session restoration; the allowance grows
	// by RestorePerAttempt for every consecutive timeout before the
	// stored credentials are wiped and a fresh QR flow is forced.
	RestoreBaseTimeout time.Duration
	RestorePerAttempt  time.Duration

	Ingest ingest.Config
	Intake intake.Config
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.RestoreBaseTimeout <= 0 {
		c.RestoreBaseTimeout = defaultRestoreBaseTimeout
	}
	if c.RestorePerAttempt <= 0 {
		c.RestorePerAttempt = defaultRestorePerAttempt
	}
	return c
}

// Deps are the collaborators a supervisor wires together.
type Deps struct {
	Dialer      transport.Dialer
	Credentials transport.Credentials
	LLM         llm.Client
	Analyzer    triage.Analyzer
	Transcriber ingest.Transcriber
	Uploader    ingest.Uploader
	Clock       clockutil.Clock
	Logger      *slog.Logger
	Notify      Notifier
	// GlobalInit serializes connection establishment across the fleet.
	GlobalInit *sync.Mutex
}

// Supervisor owns one bot's transport session: connect, auth challenge,
// keep-alive, reconnect with backoff, and the inbound message path.
type Supervisor struct {
	cfg    SupervisorConfig
	dialer transport.Dialer
	creds  transport.Credentials
	clock  clockutil.Clock
	logger *slog.Logger
	notify Notifier

	engine   *intake.Engine
	pipeline *ingest.Pipeline
	throttle *throttle.Throttle

	// idLock prevents two concurrent Start calls for the same bot id.
	idLock     sync.Mutex
	globalInit *sync.Mutex

	mu              sync.Mutex
	bot             *BotInstance
	session         transport.Session
	reconnectTimer  clockutil.Timer
	restoreTimer    clockutil.Timer
	restoreAttempts int
	processingText  bool
}

func NewSupervisor(cfg BotConfig, scfg SupervisorConfig, deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = clockutil.System()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.GlobalInit == nil {
		deps.GlobalInit = &sync.Mutex{}
	}
	scfg = scfg.withDefaults()

	s := &Supervisor{
		cfg:        scfg,
		dialer:     deps.Dialer,
		creds:      deps.Credentials,
		clock:      deps.Clock,
		logger:     deps.Logger.With("bot_id", cfg.ID),
		notify:     deps.Notify,
		globalInit: deps.GlobalInit,
		bot: &BotInstance{
			ID:            cfg.ID,
			Name:          cfg.Name,
			AssistantName: cfg.AssistantName,
			Owner:         cfg.Owner,
			Status:        StatusStopped,
		},
	}
	intakeCfg := scfg.Intake
	intakeCfg.AssistantName = cfg.AssistantName
	intakeCfg.Model = cfg.Model
	s.engine = intake.NewEngine(deps.LLM, deps.Analyzer, intakeCfg, intake.Hooks{
		OnRetrySuccess: s.deliverOutOfBand,
		OnRetryFailed:  s.deliverOutOfBand,
	}, deps.Clock, s.logger)
	s.pipeline = ingest.NewPipeline(scfg.Ingest, deps.Transcriber, deps.Uploader, deps.Clock, s.logger)
	s.throttle = throttle.New(deps.Clock, s.logger)
	return s
}

func (s *Supervisor) ID() string {
	return s.bot.ID
}

// Engine exposes the conversation engine for persistence snapshots.
func (s *Supervisor) Engine() *intake.Engine {
	return s.engine
}

// ResetConversation discards the stored conversation for phone so the
// client's next message starts a fresh intake. Used once a completed case
// has been handed to a lawyer.
func (s *Supervisor) ResetConversation(phone string) {
	s.engine.Reset(phone)
	s.logger.Info("bot_conversation_reset", "phone", phone)
}

func (s *Supervisor) Snapshot() InstanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot.snapshot()
}

// Start brings the bot online. It fails fast when a start is already in
// flight for this id; all fleet connects serialize on the global init lock.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.idLock.TryLock() {
		return ErrAlreadyStarting
	}
	defer s.idLock.Unlock()

	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.bot.ManualStop = false
	s.bot.Active = true
	s.bot.LastError = ""
	s.bot.Status = StatusInitializing
	s.mu.Unlock()
	s.notifyUpdated()
	s.logger.Info("bot_starting")

	return s.connect(ctx)
}

// Stop tears the session down. manual marks the stop as operator-initiated so
// the disconnect path does not schedule a reconnect.
func (s *Supervisor) Stop(manual bool) {
	s.mu.Lock()
	if manual {
		s.bot.ManualStop = true
	}
	s.cancelTimersLocked()
	sess := s.session
	s.session = nil
	s.bot.Status = StatusStopped
	s.bot.Active = false
	s.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	s.notifyUpdated()
	s.logger.Info("bot_stopped", "manual", manual)
}

// Restart is the only path out of the stopped, disconnected and error states.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop(true)
	s.mu.Lock()
	s.bot.ReconnectAttempts = 0
	s.restoreAttempts = 0
	s.mu.Unlock()
	return s.Start(ctx)
}

// Close stops the session and the engine's retry queue.
func (s *Supervisor) Close() {
	s.Stop(true)
	s.engine.Close()
}

func (s *Supervisor) connect(ctx context.Context) error {
	s.globalInit.Lock()
	sess, err := s.dialer.Dial(ctx, s.bot.ID, s.creds)
	if err == nil {
		if cerr := sess.Connect(ctx); cerr != nil {
			_ = sess.Close()
			err = cerr
		}
	}
	s.globalInit.Unlock()
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.bot.ManualStop {
		s.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	s.session = sess
	firstConn := !s.bot.HasConnectedBefore
	timeout := s.cfg.RestoreBaseTimeout + time.Duration(s.restoreAttempts)*s.cfg.RestorePerAttempt
	s.restoreTimer = s.clock.AfterFunc(timeout, func() {
		s.restoreTimedOut(sess)
	})
	s.mu.Unlock()

	go s.run(sess, firstConn)
	return nil
}

// restoreTimedOut fires when the session failed to reach ready in time. The
// first few timeouts just recycle the session; once the threshold is hit the
// stored credentials are wiped so the next attempt starts a fresh QR flow.
func (s *Supervisor) restoreTimedOut(sess transport.Session) {
	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		return
	}
	s.restoreAttempts++
	attempts := s.restoreAttempts
	s.mu.Unlock()

	s.logger.Warn("bot_restore_timeout", "attempts", attempts)
	if attempts >= restoreWipeThreshold && s.creds != nil {
		_ = s.creds.Wipe(context.Background())
		s.logger.Warn("bot_credentials_wiped", "attempts", attempts)
	}
	_ = sess.Close()
}

func (s *Supervisor) run(sess transport.Session, firstConn bool) {
	stopKeepAlive := make(chan struct{})
	defer close(stopKeepAlive)
	keepAliveStarted := false
	reason := transport.ReasonNetwork

	for ev := range sess.Events() {
		switch ev.Kind {
		case transport.EventQR:
			s.mu.Lock()
			s.bot.QR = ev.QR
			s.bot.Status = StatusWaitingForScan
			s.mu.Unlock()
			s.notifyUpdated()
			s.logger.Info("bot_qr_issued")
		case transport.EventAuthenticated:
			s.mu.Lock()
			s.bot.Status = StatusAuthenticated
			s.bot.QR = ""
			if ev.Phone != "" {
				s.bot.Phone = ev.Phone
			}
			s.mu.Unlock()
			s.notifyUpdated()
			s.logger.Info("bot_authenticated", "phone", ev.Phone)
		case transport.EventReady:
			s.disarmRestoreTimer()
			s.mu.Lock()
			s.bot.Status = StatusConnected
			s.bot.ReconnectAttempts = 0
			s.restoreAttempts = 0
			s.bot.HasConnectedBefore = true
			s.mu.Unlock()
			s.notifyUpdated()
			s.logger.Info("bot_connected")
			if !keepAliveStarted {
				keepAliveStarted = true
				go s.keepAlive(sess, stopKeepAlive)
			}
		case transport.EventMessage:
			s.dispatchMessage(sess, ev.Message, firstConn)
		case transport.EventDisconnected:
			reason = ev.Reason
		}
	}
	s.disarmRestoreTimer()
	s.onDisconnect(sess, reason)
}

func (s *Supervisor) keepAlive(sess transport.Session, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-s.clock.After(s.cfg.KeepAliveInterval):
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := sess.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("bot_keepalive_failed", "error", err.Error())
				_ = sess.Close()
				return
			}
			s.logger.Debug("bot_keepalive_ok")
		}
	}
}

func (s *Supervisor) onDisconnect(sess transport.Session, reason transport.DisconnectReason) {
	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		return
	}
	s.session = nil

	if s.bot.ManualStop {
		s.bot.Status = StatusStopped
		s.bot.Active = false
		s.mu.Unlock()
		s.notifyUpdated()
		return
	}
	if reason == transport.ReasonLoggedOut {
		s.bot.Status = StatusDisconnected
		s.bot.Active = false
		s.mu.Unlock()
		if s.creds != nil {
			_ = s.creds.Wipe(context.Background())
		}
		s.notifyUpdated()
		s.logger.Info("bot_logged_out")
		return
	}

	var delay time.Duration
	attempt := 0
	if reason == transport.ReasonReplaced {
		// Another device took the session; retry right away without
		// burning an attempt.
		delay = 0
	} else {
		s.bot.ReconnectAttempts++
		attempt = s.bot.ReconnectAttempts
		if attempt > s.cfg.MaxReconnectAttempts {
			s.bot.Status = StatusDisconnected
			s.bot.Active = false
			s.mu.Unlock()
			s.notifyUpdated()
			s.logger.Warn("bot_reconnect_exhausted", "attempts", attempt-1)
			return
		}
		delay = ReconnectDelay(attempt)
	}
	s.bot.Status = StatusReconnecting
	s.reconnectTimer = s.clock.AfterFunc(delay, func() {
		_ = s.connect(context.Background())
	})
	s.mu.Unlock()
	s.notifyUpdated()
	s.logger.Info("bot_reconnect_scheduled", "reason", string(reason), "attempt", attempt, "delay", delay.String())
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.bot.Status = StatusError
	s.bot.LastError = err.Error()
	s.bot.Active = false
	s.mu.Unlock()
	s.notifyUpdated()
	s.logger.Error("bot_error", "error", err.Error())
}

// dispatchMessage enforces per-bot ordering: one text message runs start to
// finish before the next is accepted. Media is exempt so attachment uploads
// do not serialize behind slow turns.
func (s *Supervisor) dispatchMessage(sess transport.Session, msg *transport.Message, firstConn bool) {
	if msg == nil || msg.From == "" {
		return
	}
	media := msg.Kind != transport.KindText
	if !s.throttle.Admit(msg.From, media) {
		s.logger.Debug("bot_message_throttled", "from", msg.From)
		return
	}
	if media {
		go s.handleMessage(sess, msg, firstConn)
		return
	}
	s.mu.Lock()
	if s.processingText {
		s.mu.Unlock()
		s.logger.Debug("bot_message_busy_dropped", "from", msg.From, "message_id", msg.ID)
		return
	}
	s.processingText = true
	s.mu.Unlock()
	go func() {
		defer func() {
			s.mu.Lock()
			s.processingText = false
			s.mu.Unlock()
		}()
		s.handleMessage(sess, msg, firstConn)
	}()
}

func (s *Supervisor) handleMessage(sess transport.Session, msg *transport.Message, firstConn bool) {
	ctx := context.Background()

	s.mu.Lock()
	adm := ingest.Admission{FirstConnection: firstConn, LastActivity: s.bot.LastActivity}
	s.mu.Unlock()

	res := s.pipeline.Process(ctx, msg, adm)
	if res.Drop {
		return
	}

	s.mu.Lock()
	s.bot.MessageCount++
	s.bot.LastActivity = s.clock.Now()
	s.mu.Unlock()
	s.notifyUpdated()

	if res.ShortCircuit != "" {
		if err := s.throttle.Deliver(ctx, sess, msg.From, res.Text, res.ShortCircuit); err != nil {
			s.logger.Warn("bot_send_failed", "from", msg.From, "error", err.Error())
		}
		return
	}
	reply := s.engine.HandleMessage(ctx, msg.From, msg.PushName, res.Text)
	if reply == "" {
		return
	}
	if err := s.throttle.Deliver(ctx, sess, msg.From, res.Text, reply); err != nil {
		s.logger.Warn("bot_send_failed", "from", msg.From, "error", err.Error())
	}
}

// deliverOutOfBand sends a retry-produced reply on whatever session is live.
func (s *Supervisor) deliverOutOfBand(phone, text string) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		s.logger.Warn("bot_oob_undeliverable", "phone", phone)
		return
	}
	if err := s.throttle.Deliver(context.Background(), sess, phone, "", text); err != nil {
		s.logger.Warn("bot_oob_send_failed", "phone", phone, "error", err.Error())
	}
}

func (s *Supervisor) disarmRestoreTimer() {
	s.mu.Lock()
	if s.restoreTimer != nil {
		s.restoreTimer.Stop()
		s.restoreTimer = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) cancelTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.restoreTimer != nil {
		s.restoreTimer.Stop()
		s.restoreTimer = nil
	}
}

func (s *Supervisor) notifyUpdated() {
	if s.notify == nil {
		return
	}
	s.notify("updated", s.Snapshot())
}
