package domain

import (
	"fmt"
	"strings"
)

// Well-known participant roles. Any non-empty role is accepted; these are the
// ones the default policies and seed data refer to.
const (
	RoleShipper           = "shipper"
	RoleCarrier           = "carrier"
	RoleConsignee         = "consignee"
	RoleContainerSupplier = "container_supplier"
	RoleTransporter       = "transporter"
	RoleExporter          = "exporter"
	RoleImporter          = "importer"
	RoleCustomsOfficer    = "customs_officer"
)

// Participant is a registered actor that can hold custody.
type Participant struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Name       string     `json:"name,omitempty"`
	Email      string     `json:"email,omitempty"`
	Attributes Attributes `json:"attributes"`
	Meta
}

func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func (p Participant) Validate() error {
	if err := requireID(KindParticipant, p.ID); err != nil {
		return err
	}
	if NormalizeRole(p.Role) == "" {
		return fmt.Errorf("%w: participant role is required", ErrInvalidArgument)
	}
	if p.Email != "" && !strings.Contains(p.Email, "@") {
		return fmt.Errorf("%w: participant email %q is malformed", ErrInvalidArgument, p.Email)
	}
	return p.Attributes.Validate()
}
