package password

import (
	"fmt"
	"strings"
	"unicode"
)

// Policy is the minimum strength a password must meet.
type Policy struct {
	MinLength    int
	RequireUpper bool
	RequireLower bool
	RequireDigit bool
}

// DefaultPolicy matches the platform baseline.
func DefaultPolicy() Policy {
	return Policy{MinLength: 8, RequireUpper: true, RequireLower: true, RequireDigit: true}
}

// Check returns a list of human-readable violations; empty means the
// password satisfies the policy.
func (p Policy) Check(plain string) []string {
	var violations []string
	if len(plain) < p.MinLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range plain {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if p.RequireUpper && !hasUpper {
		violations = append(violations, "must contain an uppercase letter")
	}
	if p.RequireLower && !hasLower {
		violations = append(violations, "must contain a lowercase letter")
	}
	if p.RequireDigit && !hasDigit {
		violations = append(violations, "must contain a digit")
	}
	return violations
}

// Explain joins violations into a single message.
func Explain(violations []string) string {
	return strings.Join(violations, "; ")
}
