package reply

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoneEncodesToNil(t *testing.T) {
	assert.Nil(t, None().Encode())
}

func TestSingleLineEncoding(t *testing.T) {
	r := New(220, "Welcome")
	assert.Equal(t, "220 Welcome\r\n", string(r.Encode()))
}

func TestMultiLineEncodingIndentsDigitLeadingContinuation(t *testing.T) {
	r := MultiLine(211, "Extensions supported:", "SIZE", "123 not a code", "END")
	got := string(r.Encode())
	want := "211-Extensions supported:\r\nSIZE\r\n 123 not a code\r\n211 END\r\n"
	assert.Equal(t, want, got)
}

func TestMultiLineSingleLine(t *testing.T) {
	r := MultiLine(211, "only")
	assert.Equal(t, "211 only\r\n", string(r.Encode()))
}
