package estimator

import (
	"errors"
	"fmt"

	"github.com/serving-lab/slo-placer/internal/profile"
	"github.com/serving-lab/slo-placer/internal/types"
)

var (
	// ErrSLOUnreachable: no profiled thread count meets the latency budget.
	ErrSLOUnreachable = errors.New("latency SLO unreachable")
	// ErrDemandTooLow: the SLO is meetable but every feasible config needs
	// more residual demand than remains.
	ErrDemandTooLow = errors.New("residual demand below feasible minimum rate")
)

const (
	// CPU thread counts are scanned descending from maxCpuThreads in steps
	// of cpuThreadStep, matching the granularity of the offline profiles.
	maxCpuThreads = int32(8)
	cpuThreadStep = int32(2)
)

// Estimator turns offline performance profiles into SLO-satisfying instance
// configurations.
type Estimator struct {
	profiles profile.Source
}

func New(profiles profile.Source) *Estimator {
	return &Estimator{profiles: profiles}
}

// execBudget returns the share of the SLO available for execution. With
// batching, half the budget is reserved for queuing and batch assembly;
// unbatched requests may spend the whole SLO executing.
func execBudget(slo float64, batch int32) float64 {
	if batch == 1 {
		return slo
	}
	return slo / 2
}

// rates derives the throughput bounds and batch timeout of a feasible point.
// reqPerSecondMin is the arrival rate below which a full batch cannot be
// assembled inside the SLO; the timeout caps how long a partial batch waits.
func rates(slo, execTime float64, batch, concurrency int32) (reqMax, reqMin, timeoutUs int32) {
	scale := float64(batch) * float64(concurrency)
	reqMax = int32(1000 / execTime * scale)
	if batch == 1 {
		return reqMax, concurrency, 0
	}
	reqMin = int32(1000 / (slo - execTime) * scale)
	timeoutUs = int32(slo-execTime) * 1000
	if timeoutUs < 0 {
		timeoutUs = 0
	}
	return reqMax, reqMin, timeoutUs
}

func newConfig(execTime float64, batch, concurrency, cpuThreads, reqMax, reqMin, timeoutUs int32) *types.FuncPodConfig {
	return &types.FuncPodConfig{
		BatchSize:       batch,
		CpuThreads:      cpuThreads,
		GpuCorePercent:  0,
		GpuMemoryRate:   -1,
		ExecutionTimeMs: int32(execTime),
		BatchTimeoutUs:  timeoutUs,
		Concurrency:     concurrency,
		ReqPerSecondMax: reqMax,
		ReqPerSecondMin: reqMin,
	}
}

// ConfigsForBatch scans CPU thread counts for configurations serving the
// given batch size with one worker, returning every config whose minimum
// sustainable rate fits the residual demand.
func (e *Estimator) ConfigsForBatch(fn string, slo float64, batch, residualReq int32) ([]*types.FuncPodConfig, error) {
	return e.scan(fn, slo, 1, batch, residualReq)
}

// ConfigsForBatchAndConcurrency is ConfigsForBatch with the concurrency
// level scaling both throughput bounds.
func (e *Estimator) ConfigsForBatchAndConcurrency(fn string, slo float64, concurrency, batch, residualReq int32) ([]*types.FuncPodConfig, error) {
	return e.scan(fn, slo, concurrency, batch, residualReq)
}

func (e *Estimator) scan(fn string, slo float64, concurrency, batch, residualReq int32) ([]*types.FuncPodConfig, error) {
	budget := execBudget(slo, batch)
	sloMeet := false
	var configs []*types.FuncPodConfig

	store := e.profiles.Store()
	for cpuThreads := maxCpuThreads; cpuThreads > 0; cpuThreads -= cpuThreadStep {
		execTime, ok := store.ExecTime(fn, concurrency, batch, cpuThreads)
		if !ok || !types.LessEqual(execTime, budget) {
			continue
		}
		sloMeet = true
		reqMax, reqMin, timeoutUs := rates(slo, execTime, batch, concurrency)
		if residualReq < reqMin {
			continue
		}
		configs = append(configs, newConfig(execTime, batch, concurrency, cpuThreads, reqMax, reqMin, timeoutUs))
	}

	if len(configs) > 0 {
		return configs, nil
	}
	if sloMeet {
		return nil, fmt.Errorf("function %s, batch %d, residual %d req/s: %w", fn, batch, residualReq, ErrDemandTooLow)
	}
	return nil, fmt.Errorf("function %s, batch %d, SLO %.1fms: %w", fn, batch, slo, ErrSLOUnreachable)
}

// ConfigsForBatchAndConcurrencyAll picks the first SLO-satisfying point from
// a list pre-ranked by descending efficiency: greedy best-efficiency-first
// rather than an exhaustive search.
func (e *Estimator) ConfigsForBatchAndConcurrencyAll(fn string, ranked []profile.IConfig, slo float64, residualReq int32) ([]*types.FuncPodConfig, error) {
	for _, point := range ranked {
		budget := execBudget(slo, point.Batch)
		if !types.LessEqual(point.LatencyMs, budget) {
			continue
		}
		reqMax, reqMin, timeoutUs := rates(slo, point.LatencyMs, point.Batch, point.Concurrency)
		cfg := newConfig(point.LatencyMs, point.Batch, point.Concurrency, point.CpuThreads, reqMax, reqMin, timeoutUs)
		return []*types.FuncPodConfig{cfg}, nil
	}
	return nil, fmt.Errorf("function %s, SLO %.1fms, residual %d req/s: %w", fn, slo, residualReq, ErrSLOUnreachable)
}
