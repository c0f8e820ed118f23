package estimator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serving-lab/slo-placer/internal/profile"
	"github.com/serving-lab/slo-placer/internal/types"
)

func storeWith(t *testing.T, tables map[string]string) profile.Source {
	t.Helper()
	dir := t.TempDir()
	for fn, content := range tables {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fn+"-profile.txt"), []byte(content), 0o644))
	}
	return profile.Fixed{S: profile.Load(dir)}
}

func TestConfigsForBatchUnbatched(t *testing.T) {
	est := New(storeWith(t, map[string]string{
		"resnet": "8_1_1 8 1 1 45 1200\n4_1_1 4 1 1 50 1200\n2_1_1 2 1 1 120 1200\n",
	}))

	configs, err := est.ConfigsForBatch("resnet", 100, 1, 10)
	require.NoError(t, err)
	// 120ms misses the 100ms budget; 45ms and 50ms fit.
	require.Len(t, configs, 2)

	for _, cfg := range configs {
		assert.Equal(t, int32(1), cfg.BatchSize)
		assert.Equal(t, int32(1), cfg.Concurrency)
		assert.Equal(t, int32(0), cfg.GpuCorePercent)
		assert.Equal(t, float64(-1), cfg.GpuMemoryRate, "memory rate stays unresolved until placement")
		assert.Nil(t, cfg.Placement)
		assert.Equal(t, int32(0), cfg.BatchTimeoutUs, "unbatched configs never wait for a batch")
		assert.Equal(t, cfg.Concurrency, cfg.ReqPerSecondMin)
	}

	byThreads := map[int32]*types.FuncPodConfig{}
	for _, cfg := range configs {
		byThreads[cfg.CpuThreads] = cfg
	}
	require.Contains(t, byThreads, int32(4))
	assert.Equal(t, int32(50), byThreads[4].ExecutionTimeMs)
	assert.Equal(t, int32(20), byThreads[4].ReqPerSecondMax)
	require.Contains(t, byThreads, int32(8))
	assert.Equal(t, int32(22), byThreads[8].ReqPerSecondMax)
}

func TestConfigsForBatchBatched(t *testing.T) {
	est := New(storeWith(t, map[string]string{
		"resnet": "4_1_4 4 1 4 80 1500\n",
	}))

	configs, err := est.ConfigsForBatch("resnet", 200, 4, 100)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	cfg := configs[0]

	assert.Equal(t, int32(4), cfg.CpuThreads)
	assert.Equal(t, int32(80), cfg.ExecutionTimeMs)
	// 1000/80 * 4 = 50 req/s deliverable.
	assert.Equal(t, int32(50), cfg.ReqPerSecondMax)
	// Below 1000/(200-80) * 4 = 33 req/s a full batch cannot form in time.
	assert.Equal(t, int32(33), cfg.ReqPerSecondMin)
	assert.Equal(t, int32(120_000), cfg.BatchTimeoutUs)
}

func TestConfigsForBatchBudgetHalvedWhenBatching(t *testing.T) {
	est := New(storeWith(t, map[string]string{
		"resnet": "4_1_4 4 1 4 80 1500\n",
	}))

	// 80ms fits a 100ms SLO unbatched but not the 70ms half-budget at
	// batch 4 with SLO 140.
	_, err := est.ConfigsForBatch("resnet", 140, 4, 100)
	assert.ErrorIs(t, err, ErrSLOUnreachable)

	configs, err := est.ConfigsForBatch("resnet", 200, 4, 100)
	require.NoError(t, err)
	assert.Len(t, configs, 1)
}

func TestConfigsForBatchDemandTooLow(t *testing.T) {
	est := New(storeWith(t, map[string]string{
		"resnet": "4_1_4 4 1 4 80 1500\n",
	}))

	// SLO is meetable but residual 10 req/s is under the 33 req/s minimum.
	_, err := est.ConfigsForBatch("resnet", 200, 4, 10)
	assert.ErrorIs(t, err, ErrDemandTooLow)
}

func TestConfigsForBatchUnknownFunction(t *testing.T) {
	est := New(storeWith(t, map[string]string{
		"resnet": "4_1_1 4 1 1 50 1200\n",
	}))

	_, err := est.ConfigsForBatch("bert", 100, 1, 10)
	assert.ErrorIs(t, err, ErrSLOUnreachable)
}

func TestConfigsForBatchAndConcurrency(t *testing.T) {
	est := New(storeWith(t, map[string]string{
		"resnet": "4_2_1 4 2 1 60 1300\n",
	}))

	configs, err := est.ConfigsForBatchAndConcurrency("resnet", 100, 2, 1, 100)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	cfg := configs[0]

	assert.Equal(t, int32(2), cfg.Concurrency)
	// 1000/60 * 2 = 33 req/s with two workers.
	assert.Equal(t, int32(33), cfg.ReqPerSecondMax)
	assert.Equal(t, int32(2), cfg.ReqPerSecondMin)
}

func TestConfigsForBatchAndConcurrencyAll(t *testing.T) {
	ranked := []profile.IConfig{
		{Concurrency: 1, Batch: 4, CpuThreads: 8, MemoryMB: 1500, LatencyMs: 90, CostAlpha: 1},
		{Concurrency: 1, Batch: 1, CpuThreads: 4, MemoryMB: 1200, LatencyMs: 50, CostAlpha: 1},
		{Concurrency: 1, Batch: 1, CpuThreads: 2, MemoryMB: 1200, LatencyMs: 120, CostAlpha: 1},
	}
	est := New(storeWith(t, nil))

	// The batched head of the ranking misses the 50ms half-budget at SLO
	// 100; greedy selection settles on the 4-thread unbatched point.
	configs, err := est.ConfigsForBatchAndConcurrencyAll("resnet", ranked, 100, 50)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, int32(4), configs[0].CpuThreads)
	assert.Equal(t, int32(1), configs[0].BatchSize)
	assert.Equal(t, int32(20), configs[0].ReqPerSecondMax)

	// At SLO 200 the batched point fits its 100ms half-budget and wins on
	// rank order.
	configs, err = est.ConfigsForBatchAndConcurrencyAll("resnet", ranked, 200, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(4), configs[0].BatchSize)

	_, err = est.ConfigsForBatchAndConcurrencyAll("resnet", ranked, 20, 50)
	assert.ErrorIs(t, err, ErrSLOUnreachable)
}
