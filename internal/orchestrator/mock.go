package orchestrator

import (
	"os"
	"strings"
)

// MockOutcomeEnv names the environment variable that forces a canned
// reply for one role, e.g. FINGER_MOCK_ORCHESTRATOR_OUTCOME.
func MockOutcomeEnv(role Role) string {
	return "FINGER_MOCK_" + strings.ToUpper(string(role)) + "_OUTCOME"
}

// MockOutcome returns the forced reply for a role. When set, the value
// replaces the gateway's reply text verbatim, which lets integration
// tests script a role without a real model behind it.
func MockOutcome(role Role) (string, bool) {
	v := os.Getenv(MockOutcomeEnv(role))
	return v, v != ""
}
