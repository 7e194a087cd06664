package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relicflow/fault"
)

func signToken(t *testing.T, secret, userID string, role Role) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     time.Now().Add(time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifier_Verify(t *testing.T) {
	v := NewVerifier("test-secret")

	actor, err := v.Verify(signToken(t, "test-secret", "user-1", RoleBuyer))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if actor.ID != "user-1" || actor.Role != RoleBuyer {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestVerifier_RejectsWrongSecret(t *testing.T) {
	v := NewVerifier("test-secret")

	if _, err := v.Verify(signToken(t, "other-secret", "user-1", RoleBuyer)); err == nil {
		t.Fatal("expected error for token signed with a different secret")
	}
}

func TestVerifier_RejectsUnknownRole(t *testing.T) {
	v := NewVerifier("test-secret")

	if _, err := v.Verify(signToken(t, "test-secret", "user-1", Role("superuser"))); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestRequireRole(t *testing.T) {
	admin := Actor{ID: "a1", Role: RoleAdmin}
	if err := admin.RequireRole(RoleAdmin); err != nil {
		t.Fatalf("admin should pass admin check: %v", err)
	}

	buyer := Actor{ID: "b1", Role: RoleBuyer}
	err := buyer.RequireRole(RoleAdmin)
	if err == nil {
		t.Fatal("expected forbidden")
	}
	if !errors.Is(err, &fault.Error{Kind: fault.KindForbidden}) {
		t.Fatalf("expected forbidden kind, got %v", err)
	}

	var anon Actor
	if err := anon.RequireRole(RoleBuyer); err == nil {
		t.Fatal("expected forbidden for missing actor")
	}
}
