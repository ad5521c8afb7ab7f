package pgstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullableRoundTrip(t *testing.T) {
	assert.Nil(t, nullable(""))
	assert.Equal(t, "", deref(nil))

	p := nullable("general")
	if assert.NotNil(t, p) {
		assert.Equal(t, "general", deref(p))
	}
}

func TestSchemaEnforcesSingleTarget(t *testing.T) {
	assert.Contains(t, Schema, "CHECK ((receiver_id IS NULL) <> (room_id IS NULL))")
}
