package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtils_MinMax(t *testing.T) {
	assert.Equal(t, 2, Min(2, 7))
	assert.Equal(t, 7, Max(2, 7))
	assert.Equal(t, -3.5, Min(-3.5, -1.0))
	assert.Equal(t, "b", Max("a", "b"))
}

func TestUtils_Abs(t *testing.T) {
	assert.Equal(t, 4, Abs(-4))
	assert.Equal(t, 4, Abs(4))
	assert.Equal(t, 1.25, Abs(-1.25))
}

func TestUtils_Contains(t *testing.T) {
	exts := []string{".jpg", ".png", ".webp"}

	assert.True(t, Contains(exts, ".png"))
	assert.False(t, Contains(exts, ".gif"))
	assert.False(t, Contains([]string{}, ".png"))
}
