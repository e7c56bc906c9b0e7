package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughFmt(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("complete round 2: %w", Wrap(CodeTransport, cause, "请求大模型失败"))

	if got := CodeOf(err); got != CodeTransport {
		t.Fatalf("unexpected code: %s", got)
	}
	if !RetryableError(err) {
		t.Fatalf("transport errors should be retryable")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if !stdErrors.Is(err, New(CodeTransport, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeUnknownTool, "", WithRetryable(true), WithSeverity(SeverityCritical), WithMetadata("tool", "swapTokens"))
	if err.Message() != "unknown tool" {
		t.Fatalf("expected registry message, got %q", err.Message())
	}
	if !err.Retryable() || err.Severity() != SeverityCritical {
		t.Fatalf("options not applied: retryable=%v severity=%s", err.Retryable(), err.Severity())
	}
	if err.Metadata()["tool"] != "swapTokens" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	if got := PublicMessage(stdErrors.New("sql: connection refused at 10.0.0.3")); got != "unknown error" {
		t.Fatalf("unexpected public message: %q", got)
	}
	if got := PublicMessage(New(CodeInvalidArgument, "username is required")); got != "username is required" {
		t.Fatalf("unexpected public message: %q", got)
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Alert: true})
	if !ShouldAlert(New(code, "")) {
		t.Fatalf("expected registered alert attribute")
	}
	if SeverityOf(New(code, "")) != SeverityWarning {
		t.Fatalf("unexpected severity")
	}
}
