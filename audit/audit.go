// Package audit provides a structured audit trail for session and KYC actions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/google/uuid"
)

// Actions emitted by the session manager, the refresh coordinator and the KYC machine.
const (
	ActionLogin          = "login"
	ActionSignup         = "signup"
	ActionPhoneChallenge = "phone_challenge"
	ActionLogout         = "logout"
	ActionTokenRefresh   = "token_refresh"
	ActionSessionExpiry  = "session_expired"
	ActionKYCStart       = "kyc_start"
	ActionKYCAadhaar     = "kyc_aadhaar"
	ActionKYCFace        = "kyc_face"
	ActionKYCComplete    = "kyc_complete"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event represents an audit event. It never carries tokens, codes or full Aadhaar numbers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	Channel   string    `json:"channel,omitempty"`
	Result    string    `json:"result"`
	Details   string    `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger emits audit events to configured handlers.
type Logger struct {
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithStdoutHandler adds a handler that writes JSON events to stdout.
func WithStdoutHandler() Option {
	return func(l *Logger) {
		l.AddHandler(func(e Event) {
			data, _ := json.Marshal(e)
			fmt.Fprintf(os.Stdout, "%s\n", data)
		})
	}
}

// WithSlogHandler adds a handler that writes events to a structured logger at Info.
func WithSlogHandler(log *slog.Logger) Option {
	return func(l *Logger) {
		l.AddHandler(func(e Event) {
			log.Info("audit",
				"id", e.ID,
				"action", e.Action,
				"result", e.Result,
				"user_id", e.UserID,
				"channel", e.Channel,
				"request_id", e.RequestID,
				"error", e.Error,
			)
		})
	}
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Logger) {
		l.AddHandler(h)
	}
}

// New creates a new audit logger with buffered async emission.
// bufferSize: event queue buffer size (default: 1000).
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	logger := &Logger{
		handlers: make([]Handler, 0),
		queue:    make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(logger)
	}

	logger.wg.Add(1)
	go logger.process()

	return logger
}

// AddHandler adds a handler to receive audit events. Call before the first Log.
func (l *Logger) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Log emits an audit event asynchronously. A nil Logger drops the event.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.queue <- event:
	case <-l.done:
		// Logger is shutting down, event is dropped
	}
}

// Emit is Log with the request ID taken from ctx.
func (l *Logger) Emit(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = rideid.RequestIDFromContext(ctx)
	}
	l.Log(event)
}

func (l *Logger) process() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.dispatch(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) dispatch(e Event) {
	for _, h := range l.handlers {
		h(e)
	}
}

// Close flushes pending events and stops the logger. Safe to call more than once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

// Outcome returns ResultSuccess for a nil err and ResultFailure otherwise.
func Outcome(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// ErrString returns err's message or "".
func ErrString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
