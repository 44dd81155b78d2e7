package boperror_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

func TestCodeOf(t *testing.T) {
	assert := assert.New(t)

	err := boperror.New(boperror.BOP_BACKEND_UNAVAILABLE, "connection refused")
	assert.Equal(boperror.BOP_BACKEND_UNAVAILABLE, boperror.CodeOf(err))

	wrapped := errors.Wrap(err, "creating role")
	assert.Equal(boperror.BOP_BACKEND_UNAVAILABLE, boperror.CodeOf(wrapped))
	assert.True(boperror.Is(wrapped, boperror.BOP_BACKEND_UNAVAILABLE))

	assert.Equal(boperror.BOP_UNEXPECTED, boperror.CodeOf(errors.New("plain")))
}

func TestGetMessageByCode(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("backend database unavailable", boperror.GetMessageByCode(boperror.BOP_BACKEND_UNAVAILABLE))
	assert.Equal("Unexpected error", boperror.GetMessageByCode("NOPE1"))
}
