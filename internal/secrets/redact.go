package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces every redacted value.
const Placeholder = "***REDACTED***"

// RedactFilter wraps a slog handler and scrubs registered secret values
// from messages and string attributes, including those nested in groups
// or produced by LogValuers.
type RedactFilter struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]struct{}
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]struct{}),
	}
}

// AddSecret registers values to be redacted from log output. Empty
// values are ignored.
func (f *RedactFilter) AddSecret(values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		if v != "" {
			f.secrets[v] = struct{}{}
		}
	}
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle redacts secret values from the record before passing it on.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.snapshot()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}

	redacted := slog.NewRecord(record.Time, record.Level, redact(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, redacted)
}

// WithAttrs shares the parent's secret set so AddSecret on either
// handler affects both.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	if secrets := f.snapshot(); len(secrets) > 0 {
		scrubbed := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			scrubbed[i] = redactAttr(a, secrets)
		}
		attrs = scrubbed
	}
	return &RedactFilter{
		inner:   f.inner.WithAttrs(attrs),
		mu:      f.mu,
		secrets: f.secrets,
	}
}

// WithGroup shares the parent's secret set.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{
		inner:   f.inner.WithGroup(name),
		mu:      f.mu,
		secrets: f.secrets,
	}
}

// RedactString replaces any known secret values in s with Placeholder.
func (f *RedactFilter) RedactString(s string) string {
	return redact(s, f.snapshot())
}

func (f *RedactFilter) snapshot() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.secrets))
	for s := range f.secrets {
		out = append(out, s)
	}
	return out
}

func redact(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	return s
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redact(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = redactAttr(g, secrets)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, redact(err.Error(), secrets))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
