package executor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_Success(t *testing.T) {
	r := Run(context.Background(), "echo ok", 5*time.Second)
	if r.Failed() {
		t.Fatalf("expected success, got exit %d output %q", r.ExitCode, r.Output)
	}
	if !strings.Contains(r.Output, "ok") {
		t.Errorf("expected output to contain 'ok', got %q", r.Output)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	r := Run(context.Background(), "exit 7", 5*time.Second)
	if !r.Failed() {
		t.Fatal("expected failure")
	}
	if r.ExitCode != 7 {
		t.Errorf("expected exit code 7, got %d", r.ExitCode)
	}
	if r.TimedOut {
		t.Error("did not expect timeout")
	}
}

func TestRun_Timeout(t *testing.T) {
	r := Run(context.Background(), "sleep 5", 100*time.Millisecond)
	if !r.Failed() {
		t.Fatal("expected failure on timeout")
	}
	if !r.TimedOut {
		t.Error("expected TimedOut to be true")
	}
}

func TestRun_OutputTruncation(t *testing.T) {
	r := Run(context.Background(), "yes x | head -c 10000", 5*time.Second)
	if len(r.Output) > maxOutputBytes {
		t.Errorf("expected output truncated to %d bytes, got %d", maxOutputBytes, len(r.Output))
	}
}

func TestLastError(t *testing.T) {
	r := Result{ExitCode: 1, Output: "boom"}
	got := LastError(r)
	if !strings.Contains(got, "rc=1") || !strings.Contains(got, "boom") {
		t.Errorf("unexpected last error format: %q", got)
	}
}
