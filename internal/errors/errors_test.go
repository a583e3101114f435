package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := Wrap(CodeStorageFailure, cause, "write snapshot")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures are retryable by default")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "other message")) {
		t.Fatalf("errors with the same code should match")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("plugin", "tokenizer"))
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("overrides not applied: %+v", err)
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	if err.Message() != "storage failure" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Metadata()["plugin"] != "tokenizer" {
		t.Fatalf("metadata lost: %v", err.Metadata())
	}
}

func TestHTTPStatusFollowsKind(t *testing.T) {
	const custom Code = "WIDGET_MISSING"
	Register(custom, Attributes{Message: "widget missing", Severity: SeverityInfo, Kind: CodeNotFound})

	cases := map[Code]int{
		custom:              http.StatusNotFound,
		CodeInvalidArgument: http.StatusBadRequest,
		CodeConflict:        http.StatusConflict,
		CodeRateLimited:     http.StatusTooManyRequests,
		CodeUnknown:         http.StatusInternalServerError,
		Code("UNREGISTERED"): http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
