package gps

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sample(lat, lon, speed float64, offset time.Duration) Sample {
	return Sample{Lat: lat, Lon: lon, Speed: speed, EventGeneratedTime: base.Add(offset), EventDate: base}
}

func TestDeriveEmpty(t *testing.T) {
	trace := Derive(nil, DeriveOptions{})
	require.NotNil(t, trace.Path)
	require.NotNil(t, trace.Stoppages)
	assert.Empty(t, trace.Path)
	assert.Empty(t, trace.Stoppages)
}

func TestDerivePathPreservesOrder(t *testing.T) {
	samples := []Sample{
		sample(1, 2, 5, 0),
		sample(3, 4, 0, time.Minute),
		sample(5, 6, 7, 2*time.Minute),
	}
	trace := Derive(samples, DeriveOptions{})
	require.Len(t, trace.Path, len(samples))
	for i, s := range samples {
		assert.Equal(t, LatLng{s.Lat, s.Lon}, trace.Path[i])
	}
}

func TestDeriveTwoStationarySamples(t *testing.T) {
	samples := []Sample{
		sample(1, 1, 0, 0),
		sample(1, 1, 0, 5*time.Minute),
	}
	for _, policy := range []EndPolicy{EndAtNextSample, EndAtNextStoppage} {
		t.Run(policy.String(), func(t *testing.T) {
			trace := Derive(samples, DeriveOptions{EndPolicy: policy})
			require.Len(t, trace.Stoppages, 2)

			first := trace.Stoppages[0]
			assert.Equal(t, samples[1].EventGeneratedTime, first.EndTime)
			assert.Equal(t, 5.0, first.DurationMinutes)

			second := trace.Stoppages[1]
			assert.Equal(t, second.ReachTime, second.EndTime)
			assert.Equal(t, 0.0, second.DurationMinutes)
		})
	}
}

func TestDeriveMovingSampleBetweenStoppages(t *testing.T) {
	samples := []Sample{
		sample(1, 1, 0, 0),
		sample(1, 2, 3, 2*time.Minute),
		sample(1, 3, 0, 10*time.Minute),
	}

	t.Run("next-sample", func(t *testing.T) {
		trace := Derive(samples, DeriveOptions{EndPolicy: EndAtNextSample})
		require.Len(t, trace.Stoppages, 2)
		assert.Equal(t, 0, trace.Stoppages[0].Index)
		assert.Equal(t, 2, trace.Stoppages[1].Index)
		assert.Equal(t, 2.0, trace.Stoppages[0].DurationMinutes)
		assert.Equal(t, 0.0, trace.Stoppages[1].DurationMinutes)
	})

	t.Run("next-stoppage", func(t *testing.T) {
		trace := Derive(samples, DeriveOptions{EndPolicy: EndAtNextStoppage})
		require.Len(t, trace.Stoppages, 2)
		assert.Equal(t, samples[2].EventGeneratedTime, trace.Stoppages[0].EndTime)
		assert.Equal(t, 10.0, trace.Stoppages[0].DurationMinutes)
		assert.Equal(t, 0.0, trace.Stoppages[1].DurationMinutes)
	})
}

func TestDeriveNextStoppageLastIsNotTraceEnd(t *testing.T) {
	samples := []Sample{
		sample(1, 1, 0, 0),
		sample(1, 2, 4, 3*time.Minute),
	}
	byTrace := Derive(samples, DeriveOptions{EndPolicy: EndAtNextSample})
	byStop := Derive(samples, DeriveOptions{EndPolicy: EndAtNextStoppage})
	assert.Equal(t, 3.0, byTrace.Stoppages[0].DurationMinutes)
	assert.Equal(t, 0.0, byStop.Stoppages[0].DurationMinutes)
}

func TestDeriveOnlyExactZeroQualifies(t *testing.T) {
	samples := []Sample{
		sample(1, 1, -1, 0),
		sample(1, 1, math.NaN(), time.Minute),
		sample(1, 1, 0.0001, 2*time.Minute),
		sample(1, 1, 0, 3*time.Minute),
	}
	trace := Derive(samples, DeriveOptions{})
	require.Len(t, trace.Stoppages, 1)
	assert.Equal(t, 3, trace.Stoppages[0].Index)
	for _, s := range trace.Stoppages {
		assert.Zero(t, s.Speed)
	}
}

func TestDeriveSingleSample(t *testing.T) {
	trace := Derive([]Sample{sample(1, 1, 0, 0)}, DeriveOptions{})
	require.Len(t, trace.Stoppages, 1)
	assert.Equal(t, 0.0, trace.Stoppages[0].DurationMinutes)
}

func TestDeriveDurationNeverNegative(t *testing.T) {
	samples := []Sample{
		sample(1, 1, 0, 5*time.Minute),
		sample(1, 1, 0, 0),
	}
	trace := Derive(samples, DeriveOptions{})
	for _, s := range trace.Stoppages {
		assert.GreaterOrEqual(t, s.DurationMinutes, 0.0)
	}
}

func TestDeriveRoundsToTwoDecimals(t *testing.T) {
	samples := []Sample{
		sample(1, 1, 0, 0),
		sample(1, 1, 5, 100*time.Second),
	}
	trace := Derive(samples, DeriveOptions{})
	assert.Equal(t, 1.67, trace.Stoppages[0].DurationMinutes)
}

func TestParseEndPolicy(t *testing.T) {
	p, err := ParseEndPolicy("next-stoppage")
	require.NoError(t, err)
	assert.Equal(t, EndAtNextStoppage, p)

	p, err = ParseEndPolicy("")
	require.NoError(t, err)
	assert.Equal(t, EndAtNextSample, p)

	_, err = ParseEndPolicy("previous")
	assert.Error(t, err)
}
