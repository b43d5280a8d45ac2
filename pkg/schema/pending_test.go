package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePendingKind_KnownValues(t *testing.T) {
	assert.Equal(t, PendingConfirmation, ParsePendingKind("awaiting_confirmation"))
	assert.Equal(t, PendingRecordName, ParsePendingKind("record_create.awaiting_name"))
}

func TestParsePendingKind_UnknownFallsBackToNone(t *testing.T) {
	assert.Equal(t, PendingNone, ParsePendingKind("legacy_wizard.step_4"))
	assert.Equal(t, PendingNone, ParsePendingKind(""))
	assert.True(t, ParsePendingKind("whatever").IsNone())
}

func TestPendingKind_HasPrefix(t *testing.T) {
	assert.True(t, PendingRecordName.HasPrefix("record_create"))
	assert.False(t, PendingSelection.HasPrefix("record_create"))
	// PendingNone matches no prefix, not even the empty one.
	assert.False(t, PendingNone.HasPrefix(""))
}
