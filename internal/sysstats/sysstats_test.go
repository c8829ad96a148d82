package sysstats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectReturnsBoundedPercentages(t *testing.T) {
	s := Collect(".")
	assert.GreaterOrEqual(t, s.CPU, 0.0)
	assert.LessOrEqual(t, s.CPU, 100.0)
	assert.GreaterOrEqual(t, s.Disk, 0.0)
	assert.LessOrEqual(t, s.Disk, 100.0)
	assert.GreaterOrEqual(t, s.Mem, 0.0)
	assert.LessOrEqual(t, s.Mem, 100.0)
}
