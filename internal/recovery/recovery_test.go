package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "testGoroutine")
		panic("test panic")
	}()

	wg.Wait()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "testGoroutine") {
		t.Errorf("expected goroutine name in output, got: %s", output)
	}
	if !strings.Contains(output, "test panic") {
		t.Errorf("expected panic message in output, got: %s", output)
	}
	if !strings.Contains(output, "stack=") {
		t.Errorf("expected stack trace in output, got: %s", output)
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "normalGoroutine")
		// No panic
	}()

	wg.Wait()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}
