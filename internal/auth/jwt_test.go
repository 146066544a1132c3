package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Issue(models.Identity{ID: "d1", Role: models.RoleDriver}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.ID != "d1" || id.Role != models.RoleDriver {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejectsWrongSecretAndExpired(t *testing.T) {
	v := NewVerifier("a")
	tok, _ := v.Issue(models.Identity{ID: "c1", Role: models.RoleClient}, time.Hour)
	if _, err := NewVerifier("b").Verify(tok); err == nil {
		t.Fatal("expected signature failure")
	}

	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	v := NewVerifier("a")
	if _, err := v.Issue(models.Identity{ID: "x", Role: "PASSENGER"}, time.Hour); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestFromRequest(t *testing.T) {
	v := NewVerifier("a")
	tok, _ := v.Issue(models.Identity{ID: "c1", Role: models.RoleClient}, time.Hour)

	r := httptest.NewRequest("GET", "/api/v1/history/c1", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	if id, err := v.FromRequest(r); err != nil || id.ID != "c1" {
		t.Fatalf("header token: %+v %v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws?token="+tok, nil)
	if id, err := v.FromRequest(r); err != nil || id.ID != "c1" {
		t.Fatalf("query token: %+v %v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if _, err := v.FromRequest(r); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
