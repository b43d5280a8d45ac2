package schema

import "strings"

// PendingKind identifies a multi-turn sub-flow the session is in the middle of.
// The set of kinds is closed: values persisted by older or newer builds that are
// not in this set parse to PendingNone so a schema change never leaves a session
// stuck resuming a sub-flow the current build does not understand.
type PendingKind string

const (
	PendingNone PendingKind = ""

	// PendingConfirmation means the next turn is expected to answer yes/no.
	PendingConfirmation PendingKind = "awaiting_confirmation"
	// PendingSelection means the next turn is expected to pick among
	// ambiguous candidates offered by the previous turn.
	PendingSelection PendingKind = "awaiting_selection"
	// PendingField means the next turn is expected to supply one named field.
	PendingField PendingKind = "awaiting_field"

	// Record-creation wizard steps. They share the "record_create." prefix so
	// the whole family can be cleared in one call.
	PendingRecordName    PendingKind = "record_create.awaiting_name"
	PendingRecordDetails PendingKind = "record_create.awaiting_details"
	PendingRecordConfirm PendingKind = "record_create.awaiting_confirm"
)

var knownPendingKinds = map[PendingKind]struct{}{
	PendingConfirmation:  {},
	PendingSelection:     {},
	PendingField:         {},
	PendingRecordName:    {},
	PendingRecordDetails: {},
	PendingRecordConfirm: {},
}

// ParsePendingKind maps a stored string onto the closed kind set.
// Unrecognized values yield PendingNone rather than an error.
func ParsePendingKind(s string) PendingKind {
	k := PendingKind(s)
	if _, ok := knownPendingKinds[k]; ok {
		return k
	}
	return PendingNone
}

// IsNone reports whether the kind marks the absence of a pending action.
func (k PendingKind) IsNone() bool {
	return k == PendingNone
}

// HasPrefix reports whether the kind's string form starts with prefix.
func (k PendingKind) HasPrefix(prefix string) bool {
	return k != PendingNone && strings.HasPrefix(string(k), prefix)
}

func (k PendingKind) String() string {
	return string(k)
}
