package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "entitlementd",
	})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}
	if baseComponent != "entitlementd" {
		t.Fatalf("expected base component entitlementd, got %s", baseComponent)
	}
	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger")
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "console", Level: "info"})

	mu.RLock()
	defer mu.RUnlock()

	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %#v", baseWriter)
	}
}

func TestInitAutoFormatWithPipe(t *testing.T) {
	t.Cleanup(resetLoggingState)

	origStderr := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stderr = w
	defer func() {
		os.Stderr = origStderr
		_ = r.Close()
		_ = w.Close()
	}()

	Init(Config{Format: "auto", Level: "info"})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != w {
		t.Fatalf("expected base writer to use provided pipe, got %#v", baseWriter)
	}
}

func TestInitInvalidLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "loud"})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level fallback, got %s", zerolog.GlobalLevel())
	}
}

// captureBase points the base writer at a buffer, the way Init would for a
// real sink.
func captureBase(t *testing.T, component string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	mu.Lock()
	baseWriter = &buf
	baseComponent = component
	baseLogger = zerolog.New(&buf).With().Timestamp().Logger()
	mu.Unlock()
	return &buf
}

func TestNewLoggerComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)
	buf := captureBase(t, "core")

	logger := New("reconciler")
	logger.Info().Msg("sweep")
	event := readJSONLine(t, buf)
	if event["component"] != "reconciler" {
		t.Fatalf("expected component reconciler, got %v", event["component"])
	}
	if event["message"] != "sweep" {
		t.Fatalf("expected message sweep, got %v", event["message"])
	}

	buf.Reset()
	inherited := New("")
	inherited.Warn().Msg("warn")
	event = readJSONLine(t, buf)
	if event["component"] != "core" {
		t.Fatalf("expected inherited component core, got %v", event["component"])
	}
}

func TestNewLoggerWithoutComponentOmitsField(t *testing.T) {
	t.Cleanup(resetLoggingState)
	buf := captureBase(t, "")

	logger := New("")
	logger.Info().Msg("no-component")

	event := readJSONLine(t, buf)
	if _, exists := event["component"]; exists {
		t.Fatalf("did not expect component field, got %v", event["component"])
	}
}

func TestContextHelpersWithRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	buf := captureBase(t, "")

	ctx := WithLogger(context.Background(), New("webhook"))
	ctx, id := WithRequestID(ctx, "  req-123 ")
	if id != "req-123" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
	if GetRequestID(ctx) != id {
		t.Fatalf("expected stored request id %s, got %s", id, GetRequestID(ctx))
	}

	FromContext(ctx).Debug().Msg("ctx-log")

	event := readJSONLine(t, buf)
	if event["request_id"] != "req-123" {
		t.Fatalf("expected request_id req-123, got %v", event["request_id"])
	}
	if event["component"] != "webhook" {
		t.Fatalf("expected component webhook, got %v", event["component"])
	}
}

func TestFromContextNilContextUsesBase(t *testing.T) {
	t.Cleanup(resetLoggingState)
	buf := captureBase(t, "")

	FromContext(nil).Info().Msg("bare")
	if event := readJSONLine(t, buf); event["message"] != "bare" {
		t.Fatalf("expected message bare, got %v", event["message"])
	}
}

func TestWithRequestIDGeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "   ")
	if id == "" {
		t.Fatal("expected generated id for whitespace input")
	}
	if GetRequestID(ctx) != id {
		t.Fatalf("expected context request id %s, got %s", id, GetRequestID(ctx))
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf).With().Timestamp().Logger()
	baseWriter = &buf
	mu.Unlock()

	FromContext(context.Background()).Info().Msg("no-request")

	event := readJSONLine(t, &buf)
	if _, ok := event["request_id"]; ok {
		t.Fatalf("did not expect request_id, got %v", event["request_id"])
	}
}

func TestInitThreadSafety(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var wg sync.WaitGroup
	configs := []Config{
		{Format: "json", Level: "debug", Component: "worker"},
		{Format: "json", Level: "warn", Component: "api"},
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			Init(configs[idx%len(configs)])
		}(i)
	}
	wg.Wait()

	mu.RLock()
	defer mu.RUnlock()

	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger after concurrent init")
	}
}

func TestIsLevelEnabled(t *testing.T) {
	t.Cleanup(resetLoggingState)

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if !IsLevelEnabled(zerolog.WarnLevel) {
		t.Fatal("expected warn level to be enabled")
	}
	if IsLevelEnabled(zerolog.DebugLevel) {
		t.Fatal("expected debug level to be disabled")
	}
}
