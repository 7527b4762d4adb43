package telemetry

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

const redacted = "***REDACTED***"

// RedactHandler scrubs registered credentials, such as the store password or
// a model API key, from every string a wrapped handler would write.
type RedactHandler struct {
	inner   slog.Handler
	secrets *secretSet
}

type secretSet struct {
	mu     sync.RWMutex
	values []string
}

// NewRedactHandler wraps inner.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{inner: inner, secrets: &secretSet{}}
}

// Add registers values to scrub. Empty values are ignored.
func (h *RedactHandler) Add(values ...string) {
	h.secrets.mu.Lock()
	defer h.secrets.mu.Unlock()
	for _, v := range values {
		if v != "" {
			h.secrets.values = append(h.secrets.values, v)
		}
	}
}

// Enabled implements slog.Handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	h.secrets.mu.RLock()
	secrets := h.secrets.values
	h.secrets.mu.RUnlock()
	if len(secrets) == 0 {
		return h.inner.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, scrub(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(scrubAttr(a, secrets))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs implements slog.Handler. Children share the parent's secrets.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.secrets.mu.RLock()
	secrets := h.secrets.values
	h.secrets.mu.RUnlock()
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = scrubAttr(a, secrets)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(scrubbed), secrets: h.secrets}
}

// WithGroup implements slog.Handler.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), secrets: h.secrets}
}

func scrubAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = scrubAttr(g, secrets)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, scrub(err.Error(), secrets))
		}
	}
	return a
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}

// DSNPassword returns the password of a URL-style connection string, or ""
// if it has none.
func DSNPassword(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return ""
	}
	p, _ := u.User.Password()
	return p
}
