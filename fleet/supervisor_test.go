package fleet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jurisdesk/intakebot/ingest"
	"github.com/jurisdesk/intakebot/internal/clockutil"
	"github.com/jurisdesk/intakebot/llm"
	"github.com/jurisdesk/intakebot/transport"
	"github.com/jurisdesk/intakebot/triage"
)

type fakeSession struct {
	mu      sync.Mutex
	events  chan transport.Event
	sent    []string
	pingErr error
	once    sync.Once

	// autoDisconnect closes the session right after Connect, driving the
	// reconnect loop without test choreography.
	autoDisconnect bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan transport.Event, 16)}
}

func (s *fakeSession) Connect(context.Context) error {
	if s.autoDisconnect {
		s.disconnect(transport.ReasonNetwork)
	}
	return nil
}

func (s *fakeSession) Events() <-chan transport.Event { return s.events }

func (s *fakeSession) SendText(_ context.Context, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSession) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) setPingErr(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

func (s *fakeSession) Logout(context.Context) error { return nil }

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSession) emit(ev transport.Event) {
	defer func() { _ = recover() }()
	s.events <- ev
}

func (s *fakeSession) disconnect(reason transport.DisconnectReason) {
	s.emit(transport.Event{Kind: transport.EventDisconnected, Reason: reason})
	s.Close()
}

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeDialer struct {
	mu             sync.Mutex
	dials          int
	last           *fakeSession
	autoDisconnect bool
}

func (d *fakeDialer) Dial(context.Context, string, transport.Credentials) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	sess := newFakeSession()
	sess.autoDisconnect = d.autoDisconnect
	d.last = sess
	return sess, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type fixedLLM struct{ text string }

func (f fixedLLM) Chat(context.Context, llm.Request) (llm.Result, error) {
	return llm.Result{Text: f.text}, nil
}

func testSupervisor(t *testing.T, dialer *fakeDialer, clock clockutil.Clock) *Supervisor {
	t.Helper()
	sup := NewSupervisor(BotConfig{ID: "bot-1", Name: "Test", AssistantName: "Ana", Model: "m"}, SupervisorConfig{
		KeepAliveInterval:  time.Hour,
		RestoreBaseTimeout: time.Hour,
		Ingest:             ingest.Config{FirstConnectWindow: time.Hour},
	}, Deps{
		Dialer:   dialer,
		LLM:      fixedLLM{text: "ok"},
		Analyzer: &triage.LLMAnalyzer{},
		Clock:    clock,
	})
	t.Cleanup(sup.Close)
	return sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// autoAdvance drives the fake clock in the background so scheduled timers
// fire without per-test choreography.
func autoAdvance(t *testing.T, clock *clockutil.Fake) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				clock.Advance(500 * time.Millisecond)
				time.Sleep(time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() { close(done) })
}

func TestReconnectDelayFormula(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5000 * time.Millisecond},
		{2, 7500 * time.Millisecond},
		{3, 11250 * time.Millisecond},
		{4, 16875 * time.Millisecond},
		{7, 56953 * time.Millisecond},
		{8, 60000 * time.Millisecond},
		{10, 60000 * time.Millisecond},
	}
	for _, tt := range tests {
		got := ReconnectDelay(tt.attempt)
		if got/time.Millisecond != tt.want/time.Millisecond {
			t.Errorf("ReconnectDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSupervisorAuthFlow(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()

	sess.emit(transport.Event{Kind: transport.EventQR, QR: "qr-payload"})
	waitFor(t, "waiting_for_scan", func() bool { return sup.Snapshot().Status == StatusWaitingForScan })
	if snap := sup.Snapshot(); snap.QR != "qr-payload" {
		t.Fatalf("QR = %q, want payload", snap.QR)
	}

	sess.emit(transport.Event{Kind: transport.EventAuthenticated, Phone: "5511999990000"})
	waitFor(t, "authenticated", func() bool { return sup.Snapshot().Status == StatusAuthenticated })

	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	snap := sup.Snapshot()
	if snap.QR != "" {
		t.Fatalf("QR = %q, want cleared after auth", snap.QR)
	}
	if snap.Phone != "5511999990000" {
		t.Fatalf("Phone = %q, want captured from auth event", snap.Phone)
	}
	if snap.Attempts != 0 {
		t.Fatalf("Attempts = %d, want 0 after connect", snap.Attempts)
	}
}

func TestSupervisorStartIsExclusive(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := sup.Start(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestSupervisorManualStopCancelsReconnect(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()
	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	sup.Stop(true)
	if snap := sup.Snapshot(); snap.Status != StatusStopped {
		t.Fatalf("Status = %q, want stopped", snap.Status)
	}

	clock.Advance(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials after manual stop = %d, want 1", got)
	}
}

func TestSupervisorReconnectWithBackoff(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()
	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	sess.disconnect(transport.ReasonNetwork)
	waitFor(t, "reconnecting", func() bool { return sup.Snapshot().Status == StatusReconnecting })
	if snap := sup.Snapshot(); snap.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", snap.Attempts)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials before backoff = %d, want 1", got)
	}

	clock.Advance(ReconnectDelay(1))
	waitFor(t, "second dial", func() bool { return dialer.dialCount() == 2 })
}

func TestSupervisorReplacedRetriesImmediately(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()
	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	sess.disconnect(transport.ReasonReplaced)
	waitFor(t, "immediate redial", func() bool { return dialer.dialCount() == 2 })
	if snap := sup.Snapshot(); snap.Attempts != 0 {
		t.Fatalf("Attempts = %d, want 0 after session-replaced retry", snap.Attempts)
	}
}

func TestSupervisorReconnectExhaustion(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{autoDisconnect: true}
	sup := testSupervisor(t, dialer, clock)
	autoAdvance(t, clock)

	_ = sup.Start(context.Background())
	waitFor(t, "disconnected after exhaustion", func() bool {
		return sup.Snapshot().Status == StatusDisconnected
	})
	// Initial dial plus ten scheduled retries.
	if got := dialer.dialCount(); got != 11 {
		t.Fatalf("dials = %d, want 11", got)
	}
}

func TestSupervisorLoggedOutWipesAndStops(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()
	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	sess.disconnect(transport.ReasonLoggedOut)
	waitFor(t, "disconnected", func() bool { return sup.Snapshot().Status == StatusDisconnected })
	clock.Advance(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials after logout = %d, want 1", got)
	}
}

func TestSupervisorMessageFlow(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)
	autoAdvance(t, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()
	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	sess.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		ID: "m1", From: "5511999990000", Kind: transport.KindText, Text: "Olá", Timestamp: clock.Now(),
	}})
	waitFor(t, "reply sent", func() bool { return sess.sentCount() == 1 })

	sess.mu.Lock()
	reply := sess.sent[0]
	sess.mu.Unlock()
	if !strings.Contains(reply, "nome") {
		t.Fatalf("reply = %q, want greeting asking for name", reply)
	}
	if snap := sup.Snapshot(); snap.MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1", snap.MessageCount)
	}
}

func TestSupervisorDedupSingleEngineInvocation(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)
	autoAdvance(t, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()
	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	msg := transport.Message{
		ID: "dup-1", From: "5511999990000", Kind: transport.KindText, Text: "Olá", Timestamp: clock.Now(),
	}
	sess.emit(transport.Event{Kind: transport.EventMessage, Message: &msg})
	waitFor(t, "first reply", func() bool { return sess.sentCount() == 1 })

	resend := msg
	sess.emit(transport.Event{Kind: transport.EventMessage, Message: &resend})
	time.Sleep(50 * time.Millisecond)
	if got := sess.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1 after duplicate id", got)
	}
	if snap := sup.Snapshot(); snap.MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1 after duplicate id", snap.MessageCount)
	}
}

func TestSupervisorNonPDFDocumentShortCircuit(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := testSupervisor(t, dialer, clock)
	autoAdvance(t, clock)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()
	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	sess.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		ID: "d1", From: "5511999990000", Kind: transport.KindDocument,
		MimeType: "image/png", Filename: "foto.png", Timestamp: clock.Now(),
	}})
	waitFor(t, "short-circuit reply", func() bool { return sess.sentCount() == 1 })

	sess.mu.Lock()
	reply := sess.sent[0]
	sess.mu.Unlock()
	if !strings.Contains(reply, "PDF") {
		t.Fatalf("reply = %q, want PDF-only notice", reply)
	}
	// Conversation state untouched: the engine never saw the message.
	if got := sup.Engine().ConversationState("5511999990000"); got != "" {
		t.Fatalf("conversation state = %q, want untouched", got)
	}
}

type recordingCreds struct {
	mu    sync.Mutex
	wipes int
}

func (c *recordingCreds) Load(context.Context) ([]byte, bool, error) { return nil, false, nil }
func (c *recordingCreds) Save(context.Context, []byte) error { return nil }

func (c *recordingCreds) Wipe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wipes++
	return nil
}

func (c *recordingCreds) wipeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wipes
}

func TestSupervisorRestoreTimeoutForcesFreshAuth(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	creds := &recordingCreds{}
	sup := NewSupervisor(BotConfig{ID: "bot-1", AssistantName: "Ana"}, SupervisorConfig{
		KeepAliveInterval:  time.Hour,
		RestoreBaseTimeout: 30 * time.Second,
		RestorePerAttempt:  10 * time.Second,
	}, Deps{
		Dialer:      dialer,
		Credentials: creds,
		LLM:         fixedLLM{text: "ok"},
		Analyzer:    &triage.LLMAnalyzer{},
		Clock:       clock,
	})
	t.Cleanup(sup.Close)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	// Never reaches ready; the first timeout recycles the session without
	// touching the stored credentials.
	clock.Advance(31 * time.Second)
	waitFor(t, "reconnecting after first restore timeout", func() bool {
		return sup.Snapshot().Status == StatusReconnecting
	})
	if got := creds.wipeCount(); got != 0 {
		t.Fatalf("wipes after first timeout = %d, want 0", got)
	}

	// Repeated timeouts cross the threshold and wipe the credentials so the
	// next attempt starts a fresh QR flow.
	autoAdvance(t, clock)
	waitFor(t, "credentials wiped after repeated timeouts", func() bool {
		return creds.wipeCount() > 0
	})
	if got := dialer.dialCount(); got < 3 {
		t.Fatalf("dials before wipe = %d, want at least 3", got)
	}
}

func TestSupervisorKeepAliveFailureReconnects(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	dialer := &fakeDialer{}
	sup := NewSupervisor(BotConfig{ID: "bot-1", AssistantName: "Ana"}, SupervisorConfig{
		KeepAliveInterval:  time.Second,
		RestoreBaseTimeout: time.Hour,
	}, Deps{
		Dialer:   dialer,
		LLM:      fixedLLM{text: "ok"},
		Analyzer: &triage.LLMAnalyzer{},
		Clock:    clock,
	})
	t.Cleanup(sup.Close)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	sess := dialer.lastSession()
	sess.emit(transport.Event{Kind: transport.EventReady})
	waitFor(t, "connected", func() bool { return sup.Snapshot().Status == StatusConnected })

	// A failed probe closes the session; the disconnect path must schedule
	// a reconnect and redial.
	sess.setPingErr(errors.New("gateway unreachable"))
	autoAdvance(t, clock)
	waitFor(t, "redial after failed probe", func() bool { return dialer.dialCount() == 2 })
	if snap := sup.Snapshot(); snap.Attempts == 0 {
		t.Fatalf("Attempts = %d, want reconnect counted after probe failure", snap.Attempts)
	}
}
