package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: "debug", Output: buf})

	ctx := context.Background()
	ctx = log.WithRequestID(ctx, "req-123")
	ctx = log.WithOrderID(ctx, "ord-1")

	log.Error(ctx, "boom", errors.New("boom"))

	if !bytes.Contains(buf.Bytes(), []byte(`"request_id":"req-123"`)) {
		t.Fatalf("expected request_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"order_id":"ord-1"`)) {
		t.Fatalf("expected order_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack trace on error; entry=%s", buf.String())
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: "debug", Output: buf, WarnStack: true})
	log.Warn(context.Background(), "warny")
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack when warn stack enabled")
	}

	buf.Reset()
	quiet := New(Options{ServiceName: "test", Output: buf})
	quiet.Warn(context.Background(), "warny")
	if bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("unexpected stack with warn stack disabled")
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	for _, level := range []string{"", "info", "bogus"} {
		buf := &bytes.Buffer{}
		log := New(Options{ServiceName: "test", Level: level, Output: buf})
		log.Debug(context.Background(), "hidden")
		if buf.Len() != 0 {
			t.Fatalf("level %q: expected debug to be filtered, got %s", level, buf.String())
		}
		log.Info(context.Background(), "shown")
		if !bytes.Contains(buf.Bytes(), []byte(`"message":"shown"`)) {
			t.Fatalf("level %q: expected info entry, got %s", level, buf.String())
		}
	}
}

func TestDebugEmittedWhenRequested(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: "debug", Output: buf})
	log.Debug(context.Background(), "visible")
	if !bytes.Contains(buf.Bytes(), []byte(`"level":"debug"`)) {
		t.Fatalf("expected debug entry, got %s", buf.String())
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel(" WARN "); lvl != zerolog.WarnLevel {
		t.Fatalf("expected warn, got %v", lvl)
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	ctx := l.WithField(context.Background(), "k", "v")
	l.Info(ctx, "ignored")
	l.Warn(ctx, "ignored")
	l.Error(ctx, "ignored", nil)
}

func TestStaticFieldsAndConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "api", Format: "json", Output: buf, Fields: map[string]any{"instance": "web.1"}})
	log.Info(context.Background(), "ready")
	if !bytes.Contains(buf.Bytes(), []byte(`"instance":"web.1"`)) {
		t.Fatalf("expected static field; entry=%s", buf.String())
	}

	buf.Reset()
	console := New(Options{ServiceName: "api", Format: "console", Output: buf})
	console.Info(context.Background(), "ready")
	if bytes.HasPrefix(bytes.TrimSpace(buf.Bytes()), []byte("{")) {
		t.Fatalf("console format should not emit json; entry=%s", buf.String())
	}
}

func TestWithTraceCopiesSpanIDs(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "api", Format: "json", Output: buf})

	ctx := log.WithTrace(context.Background())
	log.Info(ctx, "untraced")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Fatalf("no span, no trace id; entry=%s", buf.String())
	}

	buf.Reset()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx = log.WithTrace(trace.ContextWithSpanContext(context.Background(), sc))
	log.Info(ctx, "traced")
	if !bytes.Contains(buf.Bytes(), []byte(`"trace_id":"`+sc.TraceID().String()+`"`)) {
		t.Fatalf("expected trace id; entry=%s", buf.String())
	}
}
