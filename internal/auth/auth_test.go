package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	token, err := IssueToken("secret", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	subject, err := NewVerifier("secret").Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "user-1" {
		t.Fatalf("expected subject user-1, got %q", subject)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("secret", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewVerifier("other").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, err := IssueToken("secret", "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewVerifier("secret").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsEmpty(t *testing.T) {
	if _, err := NewVerifier("secret").Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/ws", nil)
	req.Header.Set("Authorization", "Bearer abc")
	if got := FromRequest(req); got != "abc" {
		t.Fatalf("expected header token, got %q", got)
	}

	req = httptest.NewRequest("GET", "/api/ws?token=xyz", nil)
	if got := FromRequest(req); got != "xyz" {
		t.Fatalf("expected query token, got %q", got)
	}
}
