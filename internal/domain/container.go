package domain

import (
	"fmt"
	"slices"
)

type ContainerStatus string

const (
	ContainerEmpty     ContainerStatus = "EMPTY"
	ContainerLoaded    ContainerStatus = "LOADED"
	ContainerInTransit ContainerStatus = "IN_TRANSIT"
	ContainerUnloaded  ContainerStatus = "UNLOADED"
)

// Container is the current-state snapshot of a shipping container.
type Container struct {
	ID          string          `json:"id"`
	Custodian   string          `json:"custodian"`
	Coordinates *Coordinates    `json:"coordinates,omitempty"`
	Loaded      []string        `json:"loaded"`
	Attributes  Attributes      `json:"attributes"`
	Status      ContainerStatus `json:"status"`
	Meta
}

func NewContainer(id string, custodian string, attrs Attributes) Container {
	return Container{
		ID:         id,
		Custodian:  custodian,
		Loaded:     []string{},
		Attributes: attrs.Clone(),
		Status:     ContainerEmpty,
	}
}

func (c Container) Validate() error {
	if err := requireID(KindContainer, c.ID); err != nil {
		return err
	}
	if err := requireID(KindParticipant, c.Custodian); err != nil {
		return err
	}
	return c.Attributes.Validate()
}

// Holds reports whether cargoID is in the loaded set.
func (c Container) Holds(cargoID string) bool {
	_, found := slices.BinarySearch(c.Loaded, cargoID)
	return found
}

// Available containers can be handed out for loading.
func (c Container) Available() bool {
	return c.Status == ContainerEmpty
}

// CheckInvariant verifies that the loaded set is empty iff the status says so.
func (c Container) CheckInvariant() error {
	empty := len(c.Loaded) == 0
	idle := c.Status == ContainerEmpty || c.Status == ContainerUnloaded
	if empty != idle {
		return fmt.Errorf("container %q: status %s with %d loaded cargo", c.ID, c.Status, len(c.Loaded))
	}
	if !slices.IsSorted(c.Loaded) {
		return fmt.Errorf("container %q: loaded set not sorted", c.ID)
	}
	return nil
}

// Load adds cargoID to the loaded set.
func (c Container) Load(cargoID string) (Container, error) {
	if c.Status == ContainerInTransit {
		return c, InvalidContainment(KindContainer, c.ID, "container is in transit")
	}
	if c.Holds(cargoID) {
		return c, AlreadyLoaded(cargoID, c.ID)
	}
	c.Loaded = sortedInsert(c.Loaded, cargoID)
	c.Status = ContainerLoaded
	return c, nil
}

// Unload removes cargoID from the loaded set. An in-transit container that
// becomes empty is UNLOADED; any other container that becomes empty is EMPTY.
func (c Container) Unload(cargoID string) (Container, error) {
	loaded, ok := sortedRemove(c.Loaded, cargoID)
	if !ok {
		return c, NotLoaded(cargoID, c.ID)
	}
	c.Loaded = loaded
	if len(loaded) == 0 {
		if c.Status == ContainerInTransit {
			c.Status = ContainerUnloaded
		} else {
			c.Status = ContainerEmpty
		}
	}
	return c, nil
}

// Dispatch moves a loaded container into transit.
func (c Container) Dispatch() (Container, error) {
	if c.Status != ContainerLoaded {
		return c, InvalidContainment(KindContainer, c.ID, fmt.Sprintf("cannot dispatch from status %s", c.Status))
	}
	c.Status = ContainerInTransit
	return c, nil
}
