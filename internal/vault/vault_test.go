package vault

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndVerify(t *testing.T) {
	cred, err := Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(cred, "$argon2id$v=19$") {
		t.Fatalf("unexpected credential format: %s", cred)
	}
	if err := Verify(cred, "correct horse battery staple"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(cred, "wrong password"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
}

func TestHashProducesFreshSalt(t *testing.T) {
	a, err := Hash("same input")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Hash("same input")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct credentials for identical passwords")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	for _, stored := range []string{"", "plain", "$bcrypt$x$y", "$argon2id$v=18$m=1,t=1,p=1$AA$AA"} {
		if err := Verify(stored, "whatever"); !errors.Is(err, ErrMalformedCredential) {
			t.Fatalf("Verify(%q): expected ErrMalformedCredential, got %v", stored, err)
		}
	}
}

func TestCheckStrength(t *testing.T) {
	policy := Policy{MinLength: 8, RequireMixedCase: true, RequireDigit: true}

	report := CheckStrength("Abcdef12", policy)
	if !report.Passed {
		t.Fatalf("expected pass: %+v", report)
	}
	if report.Score != 3 {
		t.Fatalf("expected score 3 (length, mixed case, digit), got %d", report.Score)
	}

	report = CheckStrength("abcdef12", policy)
	if report.Passed {
		t.Fatalf("expected fail on mixed case: %+v", report)
	}
	if report.Checks["mixed_case"] {
		t.Fatal("mixed_case check should be false")
	}

	// Symbol not required: failing it lowers the score but not the outcome.
	report = CheckStrength("Abcdef12!", policy)
	if !report.Passed || report.Score != 4 {
		t.Fatalf("expected pass with score 4, got %+v", report)
	}
}

func TestCheckStrengthShortPassword(t *testing.T) {
	report := CheckStrength("Ab1!", Policy{MinLength: 12})
	if report.Passed {
		t.Fatalf("length is always required: %+v", report)
	}
	if report.Score != 3 {
		t.Fatalf("partial credit expected, got score %d", report.Score)
	}
}
