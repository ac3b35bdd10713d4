package options

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-ftw/ftw"
)

func TestValidateDefaults(t *testing.T) {
	assert.Empty(t, New().Validate())
}

func TestValidateErrors(t *testing.T) {
	o := New()
	o.Image = ""
	o.Blocks = 32
	o.WorkSpaceSize = 8
	errs := o.Validate()
	if assert.Len(t, errs, 3) {
		assert.EqualError(t, errs[0], "--image is required")
		assert.True(t, strings.HasPrefix(errs[1].Error(), "region target("), errs[1].Error())
		assert.Contains(t, errs[1].Error(), "ends past block 32")
		assert.True(t, errors.Is(errs[2], ftw.ErrBadGeometry))
	}

	o = New()
	o.SpareBlocks = 0
	errs = o.Validate()
	if assert.Len(t, errs, 1) {
		assert.Contains(t, errs[0].Error(), "must be non-empty")
	}
}
