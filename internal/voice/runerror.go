package voice

import (
	"log/slog"
	"strings"
)

// apologyFor turns a failed run's raw error message into a short sentence
// fit to be spoken. Raw gateway or provider payloads are never read out.
func apologyFor(raw string) string {
	lower := strings.ToLower(raw)

	switch {
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return "Sorry, the agent took too long to answer. Please try again."
	case isContextOverflowError(lower):
		return "Sorry, this conversation got too long for the model. Please start a new session."
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429", "quota exceeded", "resource_exhausted"):
		return "Sorry, the agent is rate limited. Please try again later."
	case strings.Contains(lower, "overloaded"):
		return "Sorry, the agent is overloaded right now. Please try again in a moment."
	case containsAny(lower, "billing", "insufficient credits", "credit balance", "payment required", "402"):
		return "Sorry, the agent's provider account has a billing problem."
	case containsAny(lower, "invalid api key", "invalid_api_key", "unauthorized", "forbidden", "authentication", "401", "403", "access denied"):
		return "Sorry, the agent could not authenticate with its provider."
	}

	if raw != "" {
		slog.Debug("voice.unclassified_run_error", "error", raw)
	}
	return "Sorry, something went wrong."
}

func isContextOverflowError(lower string) bool {
	return containsAny(lower,
		"request_too_large",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"exceeds model context window",
	) || (strings.Contains(lower, "context") &&
		containsAny(lower, "overflow", "too large", "too long", "exceeded"))
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
