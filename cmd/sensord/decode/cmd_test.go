package decode

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensord/internal/telemetry"
)

func TestLine(t *testing.T) {
	t.Parallel()

	s, err := Line(" a167636f756e746572f95658\n")
	require.NoError(t, err)
	assert.Equal(t, "len=12 counter=101.5", s)

	var enc telemetry.Encoder
	b, err := enc.Encode(2)
	require.NoError(t, err)
	s, err = Line(hex.EncodeToString(b))
	require.NoError(t, err)
	assert.Equal(t, "len=12 counter=2", s)

	_, err = Line("zz")
	assert.Error(t, err)
	_, err = Line("a1")
	assert.Error(t, err)
}
