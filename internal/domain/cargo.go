package domain

import "fmt"

type CargoStatus string

const (
	CargoCreated   CargoStatus = "CREATED"
	CargoLoaded    CargoStatus = "LOADED"
	CargoUnloaded  CargoStatus = "UNLOADED"
	CargoDelivered CargoStatus = "DELIVERED"
)

// Cargo is the current-state snapshot of a consignment.
type Cargo struct {
	ID          string       `json:"id"`
	Custodian   string       `json:"custodian"`
	Container   string       `json:"container,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Attributes  Attributes   `json:"attributes"`
	Status      CargoStatus  `json:"status"`
	Meta
}

func NewCargo(id string, custodian string, attrs Attributes) Cargo {
	return Cargo{
		ID:         id,
		Custodian:  custodian,
		Attributes: attrs.Clone(),
		Status:     CargoCreated,
	}
}

func (c Cargo) Validate() error {
	if err := requireID(KindCargo, c.ID); err != nil {
		return err
	}
	if err := requireID(KindParticipant, c.Custodian); err != nil {
		return err
	}
	return c.Attributes.Validate()
}

// AttachTo records that the cargo was loaded into containerID.
func (c Cargo) AttachTo(containerID string) (Cargo, error) {
	if c.Container != "" {
		return c, AlreadyLoaded(c.ID, c.Container)
	}
	if c.Status == CargoDelivered {
		return c, InvalidContainment(KindCargo, c.ID, "cargo already delivered")
	}
	c.Container = containerID
	c.Status = CargoLoaded
	return c, nil
}

// DetachFrom clears the container reference.
func (c Cargo) DetachFrom(containerID string) (Cargo, error) {
	if c.Container == "" || c.Container != containerID {
		return c, NotLoaded(c.ID, containerID)
	}
	c.Container = ""
	c.Status = CargoUnloaded
	return c, nil
}

// Deliver closes the cargo lifecycle. Cargo still inside a container must be
// unloaded first.
func (c Cargo) Deliver() (Cargo, error) {
	if c.Container != "" {
		return c, InvalidContainment(KindCargo, c.ID, "cargo is still in container "+c.Container)
	}
	if c.Status == CargoDelivered {
		return c, &EntityError{Err: ErrInvalidArgument, Kind: KindCargo, ID: c.ID, Detail: "already delivered"}
	}
	c.Status = CargoDelivered
	return c, nil
}

// CheckReciprocal verifies the cargo's container reference against the
// container snapshot it points to.
func (c Cargo) CheckReciprocal(container *Container) error {
	if c.Container == "" {
		if container != nil && container.Holds(c.ID) {
			return fmt.Errorf("cargo %q has no container but container %q lists it", c.ID, container.ID)
		}
		return nil
	}
	if container == nil || container.ID != c.Container {
		return fmt.Errorf("cargo %q references container %q which was not supplied", c.ID, c.Container)
	}
	if !container.Holds(c.ID) {
		return fmt.Errorf("cargo %q references container %q which does not list it", c.ID, c.Container)
	}
	return nil
}
