package secure

import (
	"context"
	"sync"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Notifier receives the transient user-visible notices produced by
// mutations.
type Notifier interface {
	Success(ctx context.Context, message string)
	Failure(ctx context.Context, message string, err error)
}

// LogNotifier writes notices to the logger.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) Success(_ context.Context, message string) {
	n.Logger.Info("notice", "level", "success", "message", message)
}

func (n LogNotifier) Failure(_ context.Context, message string, err error) {
	n.Logger.Warn("notice", "level", "error", "message", message, "error", err)
}

// Notice is one recorded notification.
type Notice struct {
	Success bool
	Message string
	Err     error
}

// RecordingNotifier keeps notices in memory. The HTTP layer uses one per
// request to return notices with the response.
type RecordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *RecordingNotifier) Success(_ context.Context, message string) {
	r.mu.Lock()
	r.notices = append(r.notices, Notice{Success: true, Message: message})
	r.mu.Unlock()
}

func (r *RecordingNotifier) Failure(_ context.Context, message string, err error) {
	r.mu.Lock()
	r.notices = append(r.notices, Notice{Message: message, Err: err})
	r.mu.Unlock()
}

// Notices returns a copy of the recorded notices.
func (r *RecordingNotifier) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

type notifierKey struct{}

// WithNotifier attaches a request-scoped notifier to ctx. It takes precedence
// over the notifier configured on the Client.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

func notifierFrom(ctx context.Context, fallback Notifier) Notifier {
	if n, ok := ctx.Value(notifierKey{}).(Notifier); ok && n != nil {
		return n
	}
	return fallback
}
