package main

import "testing"

const testModule = "settlement/contexts/network-rewards/epoch-settlement-service"

func TestDomainAllowsDecimalButNotAdapters(t *testing.T) {
	if got := validateDomainImport("domain/x.go", 1, "github.com/shopspring/decimal", testModule); len(got) != 0 {
		t.Fatalf("expected decimal to be allowed in domain, got %+v", got)
	}
	got := validateDomainImport("domain/x.go", 1, testModule+"/adapters/postgres", testModule)
	if len(got) == 0 {
		t.Fatalf("expected adapter import to be rejected")
	}
}

func TestApplicationRejectsPlatformImports(t *testing.T) {
	if got := validateApplicationImport("application/x.go", 1, "settlement/internal/shared/events", testModule); len(got) != 0 {
		t.Fatalf("expected shared events to be allowed, got %+v", got)
	}
	got := validateApplicationImport("application/x.go", 1, "settlement/internal/platform/messaging", testModule)
	if len(got) != 2 {
		t.Fatalf("expected infrastructure and allowlist violations, got %+v", got)
	}
}
