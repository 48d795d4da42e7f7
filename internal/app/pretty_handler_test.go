package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandlerPlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)

	r := slog.NewRecord(time.Date(2026, 3, 1, 12, 34, 56, 0, time.UTC), slog.LevelInfo, "server.start", 0)
	r.AddAttrs(slog.String("addr", "0.0.0.0:8080"), slog.Int("status", 200))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"[INFO]", "server.start", "addr=0.0.0.0:8080", "status=200"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but output has ANSI codes: %q", out)
	}
}

func TestPrettyHandlerQuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false)

	r := slog.NewRecord(time.Now(), slog.LevelWarn, "x", 0)
	r.AddAttrs(slog.String("reason", "too many events"))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(buf.String(), `reason="too many events"`) {
		t.Fatalf("value not quoted: %q", buf.String())
	}
}

func TestPrettyHandlerLevelFilter(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error disabled at warn level")
	}
}
