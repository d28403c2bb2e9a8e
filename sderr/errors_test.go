package sderr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tinyfs/sdfat/sderr"
)

func TestSDErrorWithMessage(t *testing.T) {
	newErr := sderr.ErrNotOpen.WithMessage("root directory")
	assert.Equal(t, "file is not open: root directory", newErr.Error())
	assert.ErrorIs(t, newErr, sderr.ErrNotOpen)
}

func TestSDErrorWrapError(t *testing.T) {
	originalErr := errors.New("short read")
	newErr := sderr.ErrIOFailed.WrapError(originalErr)

	assert.Equal(t, "input/output error: short read", newErr.Error())
	assert.ErrorIs(t, newErr, originalErr)
}

func TestCustomDriverErrorChaining(t *testing.T) {
	newErr := sderr.ErrIllegalName.WithMessage("BADNAME.TXT").WithMessage("open")
	assert.ErrorIs(t, newErr, sderr.ErrIllegalName)
	assert.Contains(t, newErr.Error(), "BADNAME.TXT")
	assert.Contains(t, newErr.Error(), "open")
}
