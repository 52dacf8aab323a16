package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jurisdesk/intakebot/internal/clockutil"
)

const (
	defaultMaxRetryAttempts = 3
	defaultRetryDelay       = 30 * time.Second
)

// RetryTask is one queued reprocessing attempt for a message that failed
// inside the engine. Keyed by phone plus the enqueue timestamp so two
// failures from the same client do not collapse into one task.
type RetryTask struct {
	Key      string
	Phone    string
	Text     string
	Attempts int
}

// retryQueue schedules failed turns for re-execution on a fixed delay. The
// engine owns one queue; tasks run on timer goroutines and call back into
// the engine's process function.
type retryQueue struct {
	clock    clockutil.Clock
	delay    time.Duration
	maxTries int
	logger   *slog.Logger

	process   func(ctx context.Context, phone, text string) (string, error)
	onSuccess func(phone, response string)
	onFailed  func(phone, message string)

	mu     sync.Mutex
	timers map[string]clockutil.Timer
	closed bool
}

func newRetryQueue(clock clockutil.Clock, delay time.Duration, maxTries int, logger *slog.Logger) *retryQueue {
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	if maxTries <= 0 {
		maxTries = defaultMaxRetryAttempts
	}
	return &retryQueue{
		clock:    clock,
		delay:    delay,
		maxTries: maxTries,
		logger:   logger,
		timers:   make(map[string]clockutil.Timer),
	}
}

// Enqueue registers a failed turn for retry. The key embeds the enqueue time
// so repeated failures from one phone stay distinct.
func (q *retryQueue) Enqueue(phone, text string) {
	task := &RetryTask{
		Key:   fmt.Sprintf("%s_%d", phone, q.clock.Now().UnixMilli()),
		Phone: phone,
		Text:  text,
	}
	q.schedule(task)
}

func (q *retryQueue) schedule(task *RetryTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.timers[task.Key] = q.clock.AfterFunc(q.delay, func() {
		q.run(task)
	})
	q.logger.Debug("retry_scheduled", "key", task.Key, "attempt", task.Attempts+1)
}

func (q *retryQueue) run(task *RetryTask) {
	q.mu.Lock()
	delete(q.timers, task.Key)
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}

	task.Attempts++
	response, err := q.process(context.Background(), task.Phone, task.Text)
	if err == nil {
		q.logger.Info("retry_succeeded", "key", task.Key, "attempt", task.Attempts)
		if q.onSuccess != nil {
			q.onSuccess(task.Phone, response)
		}
		return
	}
	if task.Attempts >= q.maxTries {
		q.logger.Warn("retry_exhausted", "key", task.Key, "attempts", task.Attempts, "error", err.Error())
		if q.onFailed != nil {
			q.onFailed(task.Phone, retryExhaustedMessage)
		}
		return
	}
	q.logger.Debug("retry_failed", "key", task.Key, "attempt", task.Attempts, "error", err.Error())
	q.schedule(task)
}

// Close cancels all pending timers. Safe to call more than once.
func (q *retryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for key, timer := range q.timers {
		timer.Stop()
		delete(q.timers, key)
	}
}

// Pending reports how many tasks are waiting for their timer.
func (q *retryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

const retryExhaustedMessage = "Desculpe, não consegui processar sua mensagem no momento. Por favor, tente novamente mais tarde."
