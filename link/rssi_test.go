package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRSSISmoothing(t *testing.T) {
	t.Parallel()

	s := SmoothedRSSI{}
	_, ok := s.Load()
	assert.False(t, ok)

	v, ok := s.Update(-60)
	assert.True(t, ok)
	assert.Equal(t, float32(-60), v, "first sample seeds the average")

	v, ok = s.Update(-80)
	assert.True(t, ok)
	assert.InDelta(t, -60*0.8+-80*0.2, v, 0.001)
}

func TestRSSIImplausibleResets(t *testing.T) {
	t.Parallel()

	s := SmoothedRSSI{}
	s.Update(-60)

	for _, raw := range []int16{5, -128, -200} {
		v, ok := s.Update(raw)
		assert.False(t, ok, "raw=%d", raw)
		assert.Zero(t, v)
		_, ok = s.Load()
		assert.False(t, ok, "average must be reset after raw=%d", raw)
		s.Update(-60) // reseed for next case
	}
}

func TestRSSICustomAlpha(t *testing.T) {
	t.Parallel()

	s := SmoothedRSSI{Alpha: 0.5}
	s.Update(-40)
	v, _ := s.Update(-60)
	assert.InDelta(t, -50, v, 0.001)
}
