package authz

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/platform/policy"
)

func custodyRequest(actor string, custodian string) Request {
	return Request{
		Operation: OpChangeCargoCustody,
		Caller:    Caller{TxID: "tx-1", Actor: actor},
		Kind:      domain.KindCargo,
		EntityID:  "X1",
		Custodian: custodian,
		TargetID:  "P2",
	}
}

func TestCustodianMode(t *testing.T) {
	a, err := New(Config{Mode: ModeCustodian, AdminRoles: []string{" Customs_Officer "}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Authorize(custodyRequest("P1", "P1")); err != nil {
		t.Fatalf("holder denied: %v", err)
	}
	err = a.Authorize(custodyRequest("P2", "P1"))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if kind, id, ok := domain.EntityOf(err); !ok || kind != domain.KindCargo || id != "X1" {
		t.Fatalf("error does not name the entity: %v", err)
	}

	admin := custodyRequest("C9", "P1")
	admin.ActorRole = "customs_officer"
	if err := a.Authorize(admin); err != nil {
		t.Fatalf("admin role denied: %v", err)
	}
	viaHeader := custodyRequest("C9", "P1")
	viaHeader.Caller.Roles = []string{"CUSTOMS_OFFICER"}
	if err := a.Authorize(viaHeader); err != nil {
		t.Fatalf("admin header role denied: %v", err)
	}

	self := Request{Operation: OpUpdateParticipantAttributes, Caller: Caller{Actor: "P1"}, Kind: domain.KindParticipant, EntityID: "P1"}
	if err := a.Authorize(self); err != nil {
		t.Fatalf("self update denied: %v", err)
	}
	other := self
	other.Caller.Actor = "P2"
	if err := a.Authorize(other); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	create := Request{Operation: OpCreateCargo, Caller: Caller{Actor: "P3"}, Kind: domain.KindCargo, EntityID: "X2"}
	if err := a.Authorize(create); err != nil {
		t.Fatalf("create denied: %v", err)
	}
}

func TestOpenMode(t *testing.T) {
	a, err := New(Config{Mode: ModeOpen}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Authorize(custodyRequest("anyone", "P1")); err != nil {
		t.Fatalf("open mode denied: %v", err)
	}
}

func TestPolicyMode(t *testing.T) {
	const doc = `
schema: custody.policy.v1
rules:
  - id: carriers-seize-in-transit
    effect: allow
    when:
      all:
        - field: actor.role
          op: eq
          value: carrier
        - field: entity.status
          op: eq
          value: IN_TRANSIT
  - id: holder
    effect: allow
    when:
      all:
        - field: actor.id
          op: eq_field
          value: entity.custodian
`
	path := filepath.Join(t.TempDir(), "authz.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	a, err := New(Config{Mode: ModePolicy, PolicyFile: path}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := custodyRequest("P2", "P1")
	req.Kind, req.EntityID, req.Operation = domain.KindContainer, "C1", OpChangeContainerCustody
	req.ActorRole = "carrier"
	req.Status = "LOADED"
	if err := a.Authorize(req); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected default deny, got %v", err)
	}
	req.Status = "IN_TRANSIT"
	if err := a.Authorize(req); err != nil {
		t.Fatalf("rule should allow: %v", err)
	}
	if err := a.Authorize(custodyRequest("P1", "P1")); err != nil {
		t.Fatalf("holder rule should allow: %v", err)
	}
}

func TestWithSpec(t *testing.T) {
	spec := policy.Spec{
		Schema:        policy.SpecSchemaV1,
		DefaultEffect: policy.EffectAllow,
		Rules: []policy.Rule{{
			ID:     "no-delivery",
			Effect: policy.EffectDeny,
			When:   policy.ConditionGroup{All: []policy.Condition{{Field: "operation", Op: "eq", Value: OpDeliverCargo}}},
		}},
	}
	a, err := WithSpec(spec, nil, nil)
	if err != nil {
		t.Fatalf("WithSpec: %v", err)
	}
	if a.Mode() != ModePolicy {
		t.Fatalf("mode=%s", a.Mode())
	}
	if err := a.Authorize(Request{Operation: OpDeliverCargo, Caller: Caller{Actor: "P1"}, Kind: domain.KindCargo, EntityID: "X1", Custodian: "P1"}); err == nil {
		t.Fatalf("expected deny")
	}
	if err := a.Authorize(custodyRequest("P9", "P1")); err != nil {
		t.Fatalf("default allow: %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CUSTODY_AUTHZ_MODE", "Policy")
	t.Setenv("CUSTODY_AUTHZ_POLICY_FILE", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error without policy file")
	}

	t.Setenv("CUSTODY_AUTHZ_MODE", "")
	t.Setenv("CUSTODY_ADMIN_ROLES", "customs_officer, auditor")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Mode != ModeCustodian || len(cfg.AdminRoles) != 2 {
		t.Fatalf("cfg=%+v", cfg)
	}

	t.Setenv("CUSTODY_AUTHZ_MODE", "nobody")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
