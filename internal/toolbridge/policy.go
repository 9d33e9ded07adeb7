// ABOUTME: Permission policy resolution for tool calls.
// ABOUTME: Session policy first, then configured category defaults, then the tool's own flag.

package toolbridge

// Decision is the resolved permission for one call.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

func parseDecision(s string) (Decision, bool) {
	switch d := Decision(s); d {
	case DecisionAllow, DecisionAsk, DecisionDeny:
		return d, true
	}
	return "", false
}

// PolicySource exposes a session's permission policy.
type PolicySource interface {
	Permission(category string) (string, bool)
}

// Resolve decides how a call to t is gated. Unrecognized values at any level
// are skipped.
func Resolve(t Tool, session PolicySource, defaults map[string]string) Decision {
	if session != nil {
		if v, ok := session.Permission(t.Category); ok {
			if d, ok := parseDecision(v); ok {
				return d
			}
		}
	}
	if d, ok := parseDecision(defaults[t.Category]); ok {
		return d
	}
	if t.RequiresApproval {
		return DecisionAsk
	}
	return DecisionAllow
}
