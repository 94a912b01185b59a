package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderCRLF(t *testing.T) {
	d := NewDecoder(Lenient)
	d.Feed([]byte("USER test\r\n"))
	line, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "USER test", line)

	_, ok, err = d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecoderBareLFLenientByDefault(t *testing.T) {
	d := NewDecoder(Lenient)
	d.Feed([]byte("NOOP\n"))
	line, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "NOOP", line)
}

func TestDecoderBareLFRejectedInStrictMode(t *testing.T) {
	d := NewDecoder(Strict)
	d.Feed([]byte("NOOP\n"))
	_, ok, err := d.Next()
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestDecoderPartialLineReentry(t *testing.T) {
	d := NewDecoder(Lenient)
	d.Feed([]byte("USE"))
	_, ok, _ := d.Next()
	require.False(t, ok)

	d.Feed([]byte("R test\r\n"))
	line, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "USER test", line)
}

func TestDecoderMultipleLinesInOneFeed(t *testing.T) {
	d := NewDecoder(Lenient)
	d.Feed([]byte("USER a\r\nPASS b\r\n"))

	line1, ok, _ := d.Next()
	require.True(t, ok)
	assert.Equal(t, "USER a", line1)

	line2, ok, _ := d.Next()
	require.True(t, ok)
	assert.Equal(t, "PASS b", line2)

	_, ok, _ = d.Next()
	assert.False(t, ok)
}
