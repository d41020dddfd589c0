package prompt

import "fmt"

// Slot is a position in the assembled prompt. Slots are emitted in
// declaration order.
type Slot int

const (
	SlotSystem Slot = iota
	SlotLongTermMemory
	SlotActiveSummary
	SlotKnowledge
	SlotUserTurn
	slotCount
)

func (s Slot) String() string {
	switch s {
	case SlotSystem:
		return "system"
	case SlotLongTermMemory:
		return "long_term_memory"
	case SlotActiveSummary:
		return "active_summary"
	case SlotKnowledge:
		return "knowledge"
	case SlotUserTurn:
		return "user_turn"
	default:
		return "unknown"
	}
}

// MarshalText encodes the slot by name.
func (s Slot) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a slot name.
func (s *Slot) UnmarshalText(text []byte) error {
	for slot := SlotSystem; slot < slotCount; slot++ {
		if slot.String() == string(text) {
			*s = slot
			return nil
		}
	}
	return fmt.Errorf("prompt: unknown slot %q", text)
}
