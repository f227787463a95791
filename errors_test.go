package emdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKindMatchesAndMisses(t *testing.T) {
	err := valueErrorf("x", "bad value")
	assert.True(t, IsKind(err, KindValue))
	assert.False(t, IsKind(err, KindSchema))
	assert.False(t, IsKind(errors.New("plain"), KindValue))
}

func TestErrorMessageIncludesField(t *testing.T) {
	err := valueErrorf("age", "must be positive")
	assert.Equal(t, `[value] age: must be positive`, err.Error())

	schemaErr := schemaErrorf("entity %q already registered", "widget")
	assert.Equal(t, `[schema] entity "widget" already registered`, schemaErr.Error())
}

func TestDriverErrorUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := driverErrorf(cause, "write failed")
	assert.ErrorIs(t, err, cause)
}
