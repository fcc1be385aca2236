package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	assert.NotNil(t, timer)
	assert.WithinDuration(t, time.Now(), timer.start, time.Second)
}

func TestTimerElapsed(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Elapsed(), 10*time.Millisecond)
}

func TestObserveDuration(t *testing.T) {
	timer := NewTimer()
	// recording into a registered histogram must not panic
	timer.ObserveDuration(SyncDuration)
}
