package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serving-lab/slo-placer/internal/types"
)

type fakeRates struct {
	rates map[string]float64
	err   error
	calls int
}

func (f *fakeRates) ArrivalRate(_ context.Context, fn, _ string) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.rates[fn], nil
}

func TestAutoscalerScalesToObservedDemand(t *testing.T) {
	src := profileSource(t, map[string]string{
		// 4 threads, 50ms: 20 req/s per instance.
		"resnet-profile.txt": "4_1_1 4 1 1 50 1200\n",
	})
	f := newFixture(t, src, testNode("kubernetes.io/hostname=worker-0", make([]int, 8)))
	f.funcs.RegisterFunction(&types.FunctionDeployStatus{Name: "resnet"})

	rates := &fakeRates{rates: map[string]float64{"resnet": 45.5}}
	scaler := NewAutoscaler(f.placer, rates, f.funcs, "serving",
		[]Target{{Function: "resnet", LatencySLOMs: 100}}, time.Minute)

	scaler.tick(context.Background())
	// ceil(45.5) = 46 req/s over 20 req/s instances needs three.
	require.Len(t, f.instances.created, 3)

	// Demand already covered: the next tick places nothing.
	scaler.tick(context.Background())
	assert.Len(t, f.instances.created, 3)
	assert.Equal(t, 2, rates.calls)
}

func TestAutoscalerSkipsTargetWithoutSamples(t *testing.T) {
	src := profileSource(t, map[string]string{
		"resnet-profile.txt": "4_1_1 4 1 1 50 1200\n",
	})
	f := newFixture(t, src, testNode("kubernetes.io/hostname=worker-0", make([]int, 8)))
	f.funcs.RegisterFunction(&types.FunctionDeployStatus{Name: "resnet"})

	rates := &fakeRates{err: errors.New("metrics backend unreachable")}
	scaler := NewAutoscaler(f.placer, rates, f.funcs, "serving",
		[]Target{{Function: "resnet", LatencySLOMs: 100}}, time.Minute)

	scaler.tick(context.Background())
	assert.Empty(t, f.instances.created, "no placement without a demand sample")
}
