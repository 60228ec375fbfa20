package log

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"
)

type ctxKey struct{}

// CloudLoggingHandler is a slog.Handler that writes entries in Google Cloud
// structured logging format, one JSON object per line.
type CloudLoggingHandler struct {
	out   io.Writer
	attrs []slog.Attr
}

func NewCloudLoggingHandler() *CloudLoggingHandler {
	return &CloudLoggingHandler{out: os.Stdout}
}

// NewCloudLoggingHandlerTo writes to the given writer. Tests use this to
// capture output.
func NewCloudLoggingHandlerTo(out io.Writer) *CloudLoggingHandler {
	return &CloudLoggingHandler{out: out}
}

// Handle processes log records.
func (h *CloudLoggingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := map[string]any{
		"severity": severity(r.Level),
		"time":     time.Now().Format(time.RFC3339),
		"message":  r.Message,
	}

	if traceID := getTraceID(ctx); traceID != "" {
		entry["logging.googleapis.com/trace"] = traceID
	}

	for _, attr := range h.attrs {
		entry[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		entry[attr.Key] = attr.Value.Any()
		return true
	})

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	h.out.Write(jsonData)
	h.out.Write([]byte("\n"))
	return nil
}

// severity maps slog levels onto Cloud Logging severity names.
func severity(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// Enabled always returns true, so all log levels are handled.
func (h *CloudLoggingHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

// WithAttrs returns a new handler with additional attributes.
func (h *CloudLoggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &CloudLoggingHandler{out: h.out, attrs: newAttrs}
}

// WithGroup returns the same handler, as grouping is not implemented.
func (h *CloudLoggingHandler) WithGroup(_ string) slog.Handler {
	return h
}

// getTraceID extracts the Google Cloud Trace ID from the context.
func getTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value("traceID").(string)
	return traceID
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.New(NewCloudLoggingHandler())
}
