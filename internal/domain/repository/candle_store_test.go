package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTimeframe(t *testing.T) {
	assert.Equal(t, TF5m, NormalizeTimeframe("5m"))
	assert.Equal(t, TF1s, NormalizeTimeframe("1s"))
	assert.Equal(t, TF1m, NormalizeTimeframe(""))
	assert.Equal(t, TF1m, NormalizeTimeframe("4h"))
}
