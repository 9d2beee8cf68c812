package channel

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainRing(t *testing.T, r *ring) []byte {
	t.Helper()
	out := make([]byte, r.length())
	read := 0
	for read < len(out) {
		n := r.tryRead(out[read:])
		require.NotZero(t, n)
		read += n
	}
	return out
}

func TestRingGrowsPastInitialCapacity(t *testing.T) {
	r := newRing(0)
	require.Equal(t, minRingCapacity, r.capacity())

	data := bytes.Repeat([]byte{0x5A}, minRingCapacity*3)
	require.NoError(t, r.write(data))
	assert.GreaterOrEqual(t, r.capacity(), len(data))
	assert.Equal(t, data, drainRing(t, r))
}

func TestRingPreservesOrderAcrossGrow(t *testing.T) {
	r := newRing(0)

	var want []byte
	for i := 0; i < 64; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 997)
		require.NoError(t, r.write(chunk))
		want = append(want, chunk...)
	}
	assert.Equal(t, want, drainRing(t, r))
}

func TestRingPeakTracksHighWatermark(t *testing.T) {
	r := newRing(0)

	require.NoError(t, r.write(make([]byte, 100)))
	require.NoError(t, r.write(make([]byte, 200)))
	drainRing(t, r)
	require.NoError(t, r.write(make([]byte, 50)))

	assert.Equal(t, 300, r.peakUsage())
	r.resetPeak()
	assert.Equal(t, 50, r.peakUsage())
}

func TestRingTrimWaitsForLowWater(t *testing.T) {
	r := newRing(0)
	require.NoError(t, r.write(make([]byte, minRingCapacity*8)))
	drainRing(t, r)
	grown := r.capacity()
	require.Greater(t, grown, minRingCapacity)

	now := time.Now()
	// First observation only arms the timer.
	assert.False(t, r.tryTrim(now))
	assert.False(t, r.tryTrim(now.Add(trimLowWater/2)))
	assert.Equal(t, grown, r.capacity())

	assert.True(t, r.tryTrim(now.Add(trimLowWater+time.Second)))
	assert.Equal(t, minRingCapacity, r.capacity())
}

func TestRingTrimResetsWhenBusy(t *testing.T) {
	r := newRing(0)
	require.NoError(t, r.write(make([]byte, minRingCapacity*8)))
	drainRing(t, r)

	now := time.Now()
	assert.False(t, r.tryTrim(now))

	// Usage climbing back above a quarter disarms the timer.
	require.NoError(t, r.write(make([]byte, r.capacity()/2)))
	assert.False(t, r.tryTrim(now.Add(trimLowWater*2)))
	assert.Greater(t, r.capacity(), minRingCapacity)
}

func TestRingTrimKeepsQueuedBytes(t *testing.T) {
	r := newRing(0)
	require.NoError(t, r.write(make([]byte, minRingCapacity*8)))
	drainRing(t, r)
	payload := bytes.Repeat([]byte{7}, 100)
	require.NoError(t, r.write(payload))

	now := time.Now()
	r.tryTrim(now)
	require.True(t, r.tryTrim(now.Add(trimLowWater+time.Second)))
	assert.Equal(t, payload, drainRing(t, r))
}

func TestRingChannelOverwritesOldest(t *testing.T) {
	rc := NewRingChannel[int](3)
	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}
	assert.Equal(t, []int{3, 4, 5}, rc.Snapshot())

	v, ok := rc.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestRingChannelTryReceiveEmpty(t *testing.T) {
	rc := NewRingChannel[string](2)
	_, ok := rc.TryReceive()
	assert.False(t, ok)
}
