package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestRateFor(t *testing.T) {
	if RateFor("gpt-4o-mini") != (Rate{InputUSDPer1M: 0.15, OutputUSDPer1M: 0.60}) {
		t.Error("registered rate not returned")
	}
	if RateFor("some-future-model") != DefaultRate {
		t.Error("unknown models should fall back to the default rate")
	}
}

func TestRateCost(t *testing.T) {
	r := Rate{InputUSDPer1M: 2.0, OutputUSDPer1M: 10.0}
	got := r.Cost(1_000_000, 500_000)
	if got != 2.0+5.0 {
		t.Errorf("Cost() = %v, want 7.0", got)
	}
}

func TestErrorFormatting(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Kind: ErrRateLimit, Provider: "openai", StatusCode: 429, Message: "slow down", Err: inner}

	msg := err.Error()
	for _, want := range []string{"rate_limit", "openai", "429", "slow down"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
	if !errors.Is(err, inner) {
		t.Error("Unwrap should expose the cause")
	}

	bare := &Error{Kind: ErrNetwork, Provider: "openai", Message: "dial tcp refused"}
	if strings.Contains(bare.Error(), "status") {
		t.Errorf("no status code should be printed when absent: %q", bare.Error())
	}
}
