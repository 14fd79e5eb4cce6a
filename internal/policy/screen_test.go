package policy

import (
	"strings"
	"testing"

	"github.com/lucavalli/reelforge/internal/reliability"
)

func TestScreenPromptAllowed(t *testing.T) {
	got := ScreenPrompt("a golden retriever surfing a wave at sunset, cinematic")
	if !got.Allowed {
		t.Fatalf("Allowed = false, want true (reason %q)", got.Reason)
	}
}

func TestScreenPromptTooShort(t *testing.T) {
	got := ScreenPrompt("  a ")
	if got.Allowed {
		t.Fatalf("Allowed = true, want false")
	}
	if got.Reason != "prompt is too short" {
		t.Fatalf("Reason = %q, want %q", got.Reason, "prompt is too short")
	}
}

func TestScreenPromptTooLong(t *testing.T) {
	got := ScreenPrompt(strings.Repeat("x", maxPromptLen+1))
	if got.Allowed {
		t.Fatalf("Allowed = true, want false")
	}
}

func TestScreenPromptFlaggedKeyword(t *testing.T) {
	got := ScreenPrompt("make a deepfake of a politician")
	if got.Allowed {
		t.Fatalf("Allowed = true, want false")
	}
}

func TestCheckPromptPermanent(t *testing.T) {
	err := CheckPrompt("x")
	if err == nil {
		t.Fatalf("err = nil, want permanent error")
	}
	if reliability.IsRetryable(err) {
		t.Fatalf("IsRetryable = true, want false")
	}
}

func TestCheckPromptOK(t *testing.T) {
	if err := CheckPrompt("a timelapse of a city skyline at night"); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}
