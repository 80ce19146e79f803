package vault

import "unicode"

// Policy configures which password strength checks are required.
type Policy struct {
	MinLength        int
	RequireMixedCase bool
	RequireDigit     bool
	RequireSymbol    bool
}

// Report is the outcome of a strength evaluation. Passed requires every
// required check to succeed; Score counts all satisfied checks regardless
// of requirement so clients can render partial-credit strength meters.
type Report struct {
	Passed bool            `json:"passed"`
	Checks map[string]bool `json:"checks"`
	Score  int             `json:"score"`
}

const (
	checkLength    = "length"
	checkMixedCase = "mixed_case"
	checkDigit     = "digit"
	checkSymbol    = "symbol"
)

// CheckStrength evaluates the password against the policy.
func CheckStrength(password string, policy Policy) Report {
	minLength := policy.MinLength
	if minLength <= 0 {
		minLength = 8
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}

	checks := map[string]bool{
		checkLength:    len(password) >= minLength,
		checkMixedCase: hasUpper && hasLower,
		checkDigit:     hasDigit,
		checkSymbol:    hasSymbol,
	}

	required := map[string]bool{
		checkLength:    true,
		checkMixedCase: policy.RequireMixedCase,
		checkDigit:     policy.RequireDigit,
		checkSymbol:    policy.RequireSymbol,
	}

	report := Report{Passed: true, Checks: checks}
	for name, ok := range checks {
		if ok {
			report.Score++
		}
		if required[name] && !ok {
			report.Passed = false
		}
	}
	return report
}
