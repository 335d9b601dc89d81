package file_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/superleaf/internal/file"
)

func TestNewMaster(t *testing.T) {
	r := file.NewMaster("a.txt", "L1")
	assert.Equal(t, 1, r.Version)
	assert.True(t, r.Valid)
	assert.False(t, r.IsCopy)
	assert.Equal(t, "L1", r.Origin)
	assert.False(t, r.PollTarget())
}

func TestNewCopyClampsVersion(t *testing.T) {
	r := file.NewCopy("a.txt", "L1", 0)
	assert.Equal(t, 1, r.Version)
	assert.True(t, r.IsCopy)
	assert.True(t, r.PollTarget())
}

func TestBumpMaster(t *testing.T) {
	r := file.NewMaster("a.txt", "L1")
	require.NoError(t, r.Bump())
	require.NoError(t, r.Bump())
	assert.Equal(t, 3, r.Version)
}

func TestBumpCopyRejected(t *testing.T) {
	r := file.NewCopy("a.txt", "L1", 4)
	err := r.Bump()
	assert.ErrorIs(t, err, file.ErrNotMaster)
	assert.Equal(t, 4, r.Version)
}

func TestBumpInvalidRejected(t *testing.T) {
	r := file.NewMaster("a.txt", "L1")
	r.Invalidate()
	err := r.Bump()
	assert.ErrorIs(t, err, file.ErrInvalid)
	assert.Equal(t, 1, r.Version)
	assert.False(t, r.Servable())
}
