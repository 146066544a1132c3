package main

import (
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func TestRunRequiresSecret(t *testing.T) {
	if err := run("d1", models.RoleDriver, "", time.Hour); err == nil {
		t.Fatal("expected error without a secret")
	}
	if err := run("", models.RoleDriver, "s3cret", time.Hour); err == nil {
		t.Fatal("expected error without a user")
	}
	if err := run("d1", models.Role("PILOT"), "s3cret", time.Hour); err == nil {
		t.Fatal("expected error for an unknown role")
	}
	if err := run("d1", models.RoleDriver, "s3cret", time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
