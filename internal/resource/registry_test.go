package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()

	a, err := reg.New("a", 4, 3, 1)
	require.NoError(t, err)
	b, err := reg.New("b", 4, 3, 3)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, []ID{a.ID, b.ID}, reg.IDs())
	assert.Len(t, b.Pix, 4*3*3)
	assert.Equal(t, []STF{IdentitySTF, IdentitySTF, IdentitySTF}, b.Display)

	require.NoError(t, reg.Destroy(a.ID))
	assert.ErrorIs(t, reg.Destroy(a.ID), ErrNotFound)
	assert.Equal(t, 1, reg.Len())

	_, ok := reg.Get(a.ID)
	assert.False(t, ok)
}

func TestRegistryCloneIsDeep(t *testing.T) {
	reg := NewRegistry()
	src, err := reg.New("src", 2, 2, 1)
	require.NoError(t, err)
	src.Set(0, 1, 1, 0.75)

	cp, err := reg.Clone(src, "copy")
	require.NoError(t, err)
	cp.Set(0, 1, 1, 0.1)

	assert.InDelta(t, 0.75, src.At(0, 1, 1), 1e-6)
	assert.Equal(t, "copy", cp.Name)
	assert.True(t, src.SameSize(cp))
}

func TestNewImageRejectsBadGeometry(t *testing.T) {
	_, err := NewImage("x", 0, 10, 1)
	assert.Error(t, err)
	_, err = NewImage("x", 10, 10, 2)
	assert.Error(t, err)
}

func TestParseLabel(t *testing.T) {
	cases := map[string]Label{"HA": LabelHa, "ha": LabelHa, "oiii": LabelOIII, "r": LabelR, " L ": LabelL}
	for in, want := range cases {
		got, err := ParseLabel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseLabel("Hb")
	assert.Error(t, err)
	assert.True(t, LabelG.IsRGB())
	assert.True(t, LabelL.IsNarrowband())
	assert.False(t, LabelB.IsNarrowband())
}
