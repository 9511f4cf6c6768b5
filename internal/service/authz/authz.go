// Package authz decides whether a caller may run a custody operation.
//
// Three modes are supported. In custodian mode (the default) only the
// current holder acts on an entity and a participant only edits itself. Open
// mode allows everything. Policy mode evaluates a YAML rule set. Callers with
// a configured admin role bypass the custodian and policy checks.
package authz

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/platform/env"
	"github.com/animus-labs/cargo-custody/internal/platform/policy"
)

type Mode string

const (
	ModeCustodian Mode = "custodian"
	ModeOpen      Mode = "open"
	ModePolicy    Mode = "policy"
)

// Operation names passed to the authorizer and the policy engine.
const (
	OpRegisterParticipant         = "register_participant"
	OpUpdateParticipantAttributes = "update_participant_attributes"
	OpAddContainer                = "add_container"
	OpCreateCargo                 = "create_cargo"
	OpUpdateContainerAttributes   = "update_container_attributes"
	OpUpdateCargoAttributes       = "update_cargo_attributes"
	OpLoadContainer               = "load_container"
	OpUnloadContainer             = "unload_container"
	OpDispatchContainer           = "dispatch_container"
	OpChangeCargoCustody          = "change_cargo_custody"
	OpChangeContainerCustody      = "change_container_custody"
	OpUpdateCargoCoordinates      = "update_cargo_coordinates"
	OpUpdateContainerCoordinates  = "update_container_coordinates"
	OpDeliverCargo                = "deliver_cargo"
)

// Caller identifies who issues a command and under which transaction id.
type Caller struct {
	TxID  string
	Actor string
	// Roles come from the authenticated request, not from the ledger.
	Roles []string
}

// Request describes one authorization question. Entity fields describe the
// snapshot the operation acts on; Target describes the other party, such as
// the new custodian.
type Request struct {
	Operation  string
	Caller     Caller
	ActorRole  string
	Kind       domain.EntityKind
	EntityID   string
	Custodian  string
	Status     string
	Container  string
	TargetID   string
	TargetRole string
	Attributes domain.Attributes
}

type Config struct {
	Mode       Mode
	PolicyFile string
	AdminRoles []string
}

func ConfigFromEnv() (Config, error) {
	mode := Mode(strings.ToLower(env.String("CUSTODY_AUTHZ_MODE", "")))
	if mode == "" {
		mode = ModeCustodian
	}
	cfg := Config{
		Mode:       mode,
		PolicyFile: env.String("CUSTODY_AUTHZ_POLICY_FILE", ""),
		AdminRoles: env.CSV("CUSTODY_ADMIN_ROLES", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeCustodian, ModeOpen:
	case ModePolicy:
		if strings.TrimSpace(c.PolicyFile) == "" {
			return fmt.Errorf("CUSTODY_AUTHZ_POLICY_FILE is required when CUSTODY_AUTHZ_MODE=%s", ModePolicy)
		}
	default:
		return fmt.Errorf("CUSTODY_AUTHZ_MODE must be one of custodian, open, policy (got %q)", c.Mode)
	}
	return nil
}

type Authorizer struct {
	mode   Mode
	spec   policy.Spec
	admin  []string
	logger *slog.Logger
}

// New builds an authorizer, loading the policy file in policy mode.
func New(cfg Config, logger *slog.Logger) (*Authorizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Authorizer{mode: cfg.Mode, logger: logger}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	for _, role := range cfg.AdminRoles {
		if r := domain.NormalizeRole(role); r != "" {
			a.admin = append(a.admin, r)
		}
	}
	if cfg.Mode == ModePolicy {
		spec, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		a.spec = spec
	}
	return a, nil
}

// WithSpec returns an authorizer in policy mode backed by an in-memory spec.
func WithSpec(spec policy.Spec, adminRoles []string, logger *slog.Logger) (*Authorizer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	a, err := New(Config{Mode: ModeOpen, AdminRoles: adminRoles}, logger)
	if err != nil {
		return nil, err
	}
	a.mode = ModePolicy
	a.spec = spec
	return a, nil
}

func (a *Authorizer) Mode() Mode { return a.mode }

// IsAdmin reports whether any of the caller's roles, or its registered
// participant role, is an admin role.
func (a *Authorizer) IsAdmin(req Request) bool {
	if len(a.admin) == 0 {
		return false
	}
	roles := append([]string{req.ActorRole}, req.Caller.Roles...)
	for _, role := range roles {
		if slices.Contains(a.admin, domain.NormalizeRole(role)) {
			return true
		}
	}
	return false
}

// Authorize returns nil when the request is allowed, or an Unauthorized
// error naming the entity.
func (a *Authorizer) Authorize(req Request) error {
	if a.mode == ModeOpen || a.IsAdmin(req) {
		return nil
	}
	var (
		allowed bool
		detail  string
	)
	switch a.mode {
	case ModePolicy:
		d, err := policy.Evaluate(a.spec, req.policyContext())
		if err != nil {
			return err
		}
		allowed = d.Allowed()
		detail = fmt.Sprintf("%s denied by policy (%s)", req.Operation, decisionSource(d))
	default:
		allowed, detail = custodianRule(req)
	}
	if allowed {
		return nil
	}
	a.logger.Info("authorization denied",
		"operation", req.Operation,
		"actor", req.Caller.Actor,
		"entity_key", string(req.Kind)+"/"+req.EntityID,
		"mode", string(a.mode),
	)
	return domain.Unauthorized(req.Kind, req.EntityID, detail)
}

func decisionSource(d policy.Decision) string {
	if d.RuleID != "" {
		return "rule " + d.RuleID
	}
	return d.Reason
}

func custodianRule(req Request) (bool, string) {
	switch req.Operation {
	case OpRegisterParticipant, OpAddContainer, OpCreateCargo:
		return true, ""
	case OpUpdateParticipantAttributes:
		if req.Caller.Actor == req.EntityID {
			return true, ""
		}
		return false, fmt.Sprintf("%s may only be amended by itself", req.EntityID)
	default:
		if req.Custodian != "" && req.Caller.Actor == req.Custodian {
			return true, ""
		}
		return false, fmt.Sprintf("%s is not the current custodian", req.Caller.Actor)
	}
}

func (req Request) policyContext() policy.Context {
	return policy.Context{
		Operation: req.Operation,
		Actor: policy.ActorContext{
			ID:    req.Caller.Actor,
			Role:  req.ActorRole,
			Roles: req.Caller.Roles,
		},
		Entity: policy.EntityContext{
			Kind:      string(req.Kind),
			ID:        req.EntityID,
			Custodian: req.Custodian,
			Status:    req.Status,
			Container: req.Container,
		},
		Target: policy.TargetContext{
			ID:   req.TargetID,
			Role: req.TargetRole,
		},
		Attributes: req.Attributes,
	}
}

// RoleSource resolves the registered participant role of the acting caller.
type RoleSource interface {
	ActorRole() (string, error)
}

type Option func(*Request)

func WithStatus(status string) Option { return func(r *Request) { r.Status = status } }

func WithContainer(id string) Option { return func(r *Request) { r.Container = id } }

func WithAttributes(attrs domain.Attributes) Option {
	return func(r *Request) { r.Attributes = attrs }
}

func WithTarget(id string, role string) Option {
	return func(r *Request) {
		r.TargetID = id
		r.TargetRole = role
	}
}

// Check authorizes op by caller on the entity held by custodian.
func (a *Authorizer) Check(roles RoleSource, op string, caller Caller, kind domain.EntityKind, id string, custodian string, opts ...Option) error {
	req := Request{
		Operation: op,
		Caller:    caller,
		Kind:      kind,
		EntityID:  id,
		Custodian: custodian,
	}
	if a.mode != ModeOpen && roles != nil {
		role, err := roles.ActorRole()
		if err != nil {
			return err
		}
		req.ActorRole = role
	}
	for _, opt := range opts {
		opt(&req)
	}
	return a.Authorize(req)
}
