package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateFast(t *testing.T) {
	assert.Equal(t, 0, EstimateFast(""))
	assert.Equal(t, 0, EstimateFast("   "))
	assert.Equal(t, 1, EstimateFast("hi"))

	// Long text is roughly runes/4.
	text := strings.Repeat("word ", 100)
	est := EstimateFast(text)
	assert.GreaterOrEqual(t, est, 100, "never less than the word count")
	assert.LessOrEqual(t, est, 130)
}

func TestCountNeverZeroForText(t *testing.T) {
	assert.Greater(t, Count("hello world"), 0)
	assert.Equal(t, 0, Count(""))
}
