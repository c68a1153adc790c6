package tenant

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestRequire(t *testing.T) {
	id, err := New("tenant-1").Require()
	if err != nil {
		t.Fatalf("Require on resolved scope: %v", err)
	}
	if id != "tenant-1" {
		t.Fatalf("id = %q, want tenant-1", id)
	}

	if _, err := (Scope{}).Require(); !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("zero scope error = %v, want ErrScopeViolation", err)
	}
	if _, err := System().Require(); !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("system scope error = %v, want ErrScopeViolation", err)
	}
}

func TestRequireSystem(t *testing.T) {
	if err := System().RequireSystem(); err != nil {
		t.Fatalf("RequireSystem on system scope: %v", err)
	}
	if err := New("tenant-1").RequireSystem(); !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("tenant scope error = %v, want ErrScopeViolation", err)
	}
	if err := (Scope{}).RequireSystem(); !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("zero scope error = %v, want ErrScopeViolation", err)
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/campaigns", nil)
	if _, err := FromRequest(r); !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("missing header error = %v, want ErrScopeViolation", err)
	}

	r.Header.Set("X-Tenant-ID", "tenant-7")
	scope, err := FromRequest(r)
	if err != nil {
		t.Fatal(err)
	}
	id, err := scope.Require()
	if err != nil || id != "tenant-7" {
		t.Fatalf("Require = (%q, %v), want (tenant-7, nil)", id, err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithScope(context.Background(), New("tenant-3"))
	scope, ok := FromContext(ctx)
	if !ok {
		t.Fatal("scope not found in context")
	}
	if id, _ := scope.Require(); id != "tenant-3" {
		t.Fatalf("id = %q, want tenant-3", id)
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context reported a scope")
	}
}
