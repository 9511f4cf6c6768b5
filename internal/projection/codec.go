package projection

import (
	"encoding/json"
	"fmt"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
)

// Encode renders a snapshot as a ledger state value.
func Encode(snapshot any) (json.RawMessage, error) {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return blob, nil
}

func decodeState(st ledger.State, want domain.EntityKind, out any) error {
	if st.Kind != string(want) {
		return fmt.Errorf("state %s has kind %q, want %q", st.Key, st.Kind, want)
	}
	if err := json.Unmarshal(st.Value, out); err != nil {
		return fmt.Errorf("decode %s snapshot %s: %w", want, st.Key, err)
	}
	return nil
}

func DecodeParticipant(st ledger.State) (domain.Participant, error) {
	var p domain.Participant
	err := decodeState(st, domain.KindParticipant, &p)
	return p, err
}

func DecodeContainer(st ledger.State) (domain.Container, error) {
	var c domain.Container
	if err := decodeState(st, domain.KindContainer, &c); err != nil {
		return domain.Container{}, err
	}
	if c.Loaded == nil {
		c.Loaded = []string{}
	}
	return c, nil
}

func DecodeCargo(st ledger.State) (domain.Cargo, error) {
	var c domain.Cargo
	err := decodeState(st, domain.KindCargo, &c)
	return c, err
}
