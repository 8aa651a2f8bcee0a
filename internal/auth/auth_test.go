package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setTestSecret(t *testing.T) {
	t.Helper()
	t.Setenv("CAREUNITS_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestTokenRoundTrip(t *testing.T) {
	setTestSecret(t)

	token, err := GenerateToken("user-1", "org-1", []string{"Admin", "admin", "clinician"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-1" || claims.OrganizationID != "org-1" {
		t.Fatalf("got subject=%s org=%s", claims.Subject, claims.OrganizationID)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	setTestSecret(t)

	for _, token := range []string{"", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("ParseAndValidate(%q): got %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestParseRejectsExpired(t *testing.T) {
	setTestSecret(t)

	token, err := GenerateToken("user-1", "org-1", []string{"admin"}, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	t.Setenv("CAREUNITS_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("user-1", "org-1", []string{"admin"}, time.Hour); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestGenerateValidation(t *testing.T) {
	setTestSecret(t)

	if _, err := GenerateToken("", "org-1", nil, time.Hour); err == nil {
		t.Fatal("expected error for empty user")
	}
	if _, err := GenerateToken("user-1", "", nil, time.Hour); err == nil {
		t.Fatal("expected error for empty organization")
	}
	if _, err := GenerateToken("user-1", "org-1", nil, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestPermissionsForRoles(t *testing.T) {
	admin := PermissionsForRoles([]string{RoleAdmin})
	if _, ok := admin[PermAuthorizationDelete]; !ok {
		t.Fatal("admin lacks delete")
	}

	clinician := PermissionsForRoles([]string{RoleClinician})
	if _, ok := clinician[PermUnitsConsume]; !ok {
		t.Fatal("clinician lacks consume")
	}
	if _, ok := clinician[PermAuthorizationDelete]; ok {
		t.Fatal("clinician must not delete")
	}

	viewer := PermissionsForRoles([]string{RoleViewer})
	if _, ok := viewer[PermUnitsReserve]; ok {
		t.Fatal("viewer must not reserve")
	}
	if _, ok := viewer[PermAuthorizationRead]; !ok {
		t.Fatal("viewer lacks read")
	}

	if perms := PermissionsForRoles([]string{"bogus"}); len(perms) != 0 {
		t.Fatalf("unknown role granted %v", perms)
	}
}

func TestPrincipalHasPermission(t *testing.T) {
	p := NewPrincipal("user-1", "org-1", []string{RoleViewer})
	if !p.HasPermission(PermAuthorizationRead) {
		t.Fatal("viewer principal lacks read")
	}
	if p.HasPermission(PermUnitsConsume) {
		t.Fatal("viewer principal must not consume")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "user-1", "org-1", []string{"Admin"})

	if got, ok := UserIDFromContext(ctx); !ok || got != "user-1" {
		t.Fatalf("user: got %q ok=%v", got, ok)
	}
	if got, ok := OrganizationIDFromContext(ctx); !ok || got != "org-1" {
		t.Fatalf("org: got %q ok=%v", got, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("roles: got %v", roles)
	}

	p := NewPrincipal("user-1", "org-1", []string{RoleAdmin})
	ctx = ContextWithPrincipal(context.Background(), p)
	got, ok := PrincipalFromContext(ctx)
	if !ok || got.UserID != "user-1" {
		t.Fatalf("principal: got %+v ok=%v", got, ok)
	}
}
