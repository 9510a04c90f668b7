package units

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/pipeline"
)

func TestLatencyRejectsBadPosition(t *testing.T) {
	_, err := NewMeasureLatency(unitConfig(t,
		`{"type":"measureLatency","position":"middle"}`), zap.NewNop())
	assert.Error(t, err)
}

func TestLatencyStartStampsContext(t *testing.T) {
	start, err := NewMeasureLatency(unitConfig(t,
		`{"type":"measureLatency","position":"start"}`), zap.NewNop())
	require.NoError(t, err)

	m := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer m.Close()
	ctx := newEmptyContext()
	require.True(t, ctx.LatencyStart.IsZero())
	start.Process(&m, &ctx)
	assert.False(t, ctx.LatencyStart.IsZero())
}

func TestLatencyEndWithoutStartFails(t *testing.T) {
	end, err := NewMeasureLatency(unitConfig(t,
		`{"type":"measureLatency","position":"end"}`), zap.NewNop())
	require.NoError(t, err)

	m := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer m.Close()
	ctx := newEmptyContext()
	assert.Equal(t, pipeline.FailureContinue, end.Process(&m, &ctx))
}

func TestLatencyPercentiles(t *testing.T) {
	end, err := NewMeasureLatency(unitConfig(t,
		`{"type":"measureLatency","position":"end","percentiles":[0.5,0.9]}`), zap.NewNop())
	require.NoError(t, err)

	now := time.Now()
	for i := 1; i <= 100; i++ {
		end.samples = append(end.samples, latencySample{
			at:      now,
			elapsed: time.Duration(i) * time.Millisecond,
		})
	}
	stats := end.Percentiles()
	require.Len(t, stats, 2)
	assert.InDelta(t, 50, float64(stats[0.5].Milliseconds()), 2)
	assert.InDelta(t, 90, float64(stats[0.9].Milliseconds()), 2)
}

func TestLatencyPairRecordsSample(t *testing.T) {
	start, err := NewMeasureLatency(unitConfig(t,
		`{"type":"measureLatency","position":"start"}`), zap.NewNop())
	require.NoError(t, err)
	end, err := NewMeasureLatency(unitConfig(t,
		`{"type":"measureLatency","position":"end"}`), zap.NewNop())
	require.NoError(t, err)

	m := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer m.Close()
	ctx := newEmptyContext()
	start.Process(&m, &ctx)
	end.Process(&m, &ctx)
	assert.Len(t, end.samples, 1)
	assert.GreaterOrEqual(t, end.samples[0].elapsed, time.Duration(0))
}
