// Package throttle paces outbound delivery so replies feel typed by a person,
// and drops inbound bursts that would make the bot talk over itself.
package throttle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jurisdesk/intakebot/internal/clockutil"
	"github.com/jurisdesk/intakebot/transport"
)

const (
	// burstSpacing is the minimum inbound gap before the cooldown applies.
	burstSpacing = 2 * time.Second
	// replyCooldown is how long after our last reply the cooldown holds.
	replyCooldown = 3 * time.Second

	minReadingDelay = 800 * time.Millisecond
	maxReadingDelay = 4 * time.Second
	perCharReading  = 25 * time.Millisecond

	minTypingDelay = 1 * time.Second
	maxTypingDelay = 8 * time.Second
	perCharTyping  = 55 * time.Millisecond
)

// Throttle is per-bot. Chat state is keyed by the remote phone number.
type Throttle struct {
	clock  clockutil.Clock
	logger *slog.Logger

	mu    sync.Mutex
	chats map[string]*chatState
}

type chatState struct {
	limiter     *rate.Limiter
	lastReplyAt time.Time
}

func New(clock clockutil.Clock, logger *slog.Logger) *Throttle {
	if clock == nil {
		clock = clockutil.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttle{
		clock:  clock,
		logger: logger,
		chats:  make(map[string]*chatState),
	}
}

// Admit decides whether an inbound message should be processed. Messages
// arriving faster than burstSpacing while the last reply is fresher than
// replyCooldown are dropped as spam. Media always passes so attachment
// uploads never stall behind the cooldown.
func (t *Throttle) Admit(chat string, media bool) bool {
	if media {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.chatLocked(chat)
	now := t.clock.Now()
	if state.limiter.AllowN(now, 1) {
		return true
	}
	if !state.lastReplyAt.IsZero() && now.Sub(state.lastReplyAt) < replyCooldown {
		t.logger.Debug("throttle_burst_dropped", "chat", chat)
		return false
	}
	return true
}

// Deliver waits out the human-plausible reading and typing delays, toggling
// the typing indicator when the session supports it, then sends the reply.
func (t *Throttle) Deliver(ctx context.Context, session transport.Session, chat, inbound, reply string) error {
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	if err := t.wait(ctx, ReadingDelay(inbound)); err != nil {
		return err
	}
	typer, canType := session.(transport.Typing)
	if canType {
		_ = typer.SendTyping(ctx, chat, true)
	}
	err := t.wait(ctx, TypingDelay(reply))
	if canType {
		_ = typer.SendTyping(ctx, chat, false)
	}
	if err != nil {
		return err
	}
	if err := session.SendText(ctx, chat, reply); err != nil {
		return err
	}
	t.mu.Lock()
	t.chatLocked(chat).lastReplyAt = t.clock.Now()
	t.mu.Unlock()
	return nil
}

func (t *Throttle) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-t.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Throttle) chatLocked(chat string) *chatState {
	state, ok := t.chats[chat]
	if !ok {
		state = &chatState{
			limiter: rate.NewLimiter(rate.Every(burstSpacing), 1),
		}
		t.chats[chat] = state
	}
	return state
}

// ReadingDelay estimates how long a person takes to read the inbound text.
func ReadingDelay(text string) time.Duration {
	return clampDelay(time.Duration(len([]rune(text)))*perCharReading, minReadingDelay, maxReadingDelay)
}

// TypingDelay estimates how long typing the reply takes.
func TypingDelay(reply string) time.Duration {
	return clampDelay(time.Duration(len([]rune(reply)))*perCharTyping, minTypingDelay, maxTypingDelay)
}

func clampDelay(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
