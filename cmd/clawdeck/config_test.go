package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimingValue(t *testing.T) {
	assert.Equal(t, "3s", timingValue("3s", time.Second))
	assert.Equal(t, "1s (default)", timingValue("", time.Second))
	assert.Equal(t, `1s (invalid "soon")`, timingValue("soon", time.Second))
}
