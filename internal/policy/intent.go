// Package policy holds the lightweight per-message heuristics: whether a
// turn warrants a long-term memory lookup, and PII masking before anything
// is buffered or persisted.
package policy

import "strings"

// Intent tags the rough purpose of a user message.
type Intent string

const (
	IntentGreeting  Intent = "greeting"
	IntentCommand   Intent = "command"
	IntentQuestion  Intent = "question"
	IntentStatement Intent = "statement"
)

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "howdy": {},
	"thanks": {}, "thank you": {}, "ok": {}, "okay": {},
	"bye": {}, "yes": {}, "no": {},
	"good morning": {}, "good evening": {}, "good afternoon": {},
}

var commandPrefixes = []string{
	"remember", "forget", "update", "change", "set", "don't", "stop", "always",
}

// Classify returns a lightweight intent tag for message.
func Classify(message string) Intent {
	lower := strings.TrimRight(strings.ToLower(strings.TrimSpace(message)), "!.,")

	if _, ok := greetings[lower]; ok {
		return IntentGreeting
	}
	for _, prefix := range commandPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return IntentCommand
		}
	}
	if strings.Contains(message, "?") {
		return IntentQuestion
	}
	return IntentStatement
}

// ShouldRetrieve decides whether the turn is worth a memory lookup.
// Greetings and bare acknowledgements skip the round-trip; everything else
// retrieves, which is the safe default for long conversations.
func ShouldRetrieve(message string) bool {
	return Classify(message) != IntentGreeting
}
