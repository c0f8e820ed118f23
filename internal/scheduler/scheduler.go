package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/serving-lab/slo-placer/internal/capacity"
	"github.com/serving-lab/slo-placer/internal/constants"
	"github.com/serving-lab/slo-placer/internal/estimator"
	"github.com/serving-lab/slo-placer/internal/logger"
	"github.com/serving-lab/slo-placer/internal/metrics"
	"github.com/serving-lab/slo-placer/internal/profile"
	"github.com/serving-lab/slo-placer/internal/registry"
	"github.com/serving-lab/slo-placer/internal/types"
)

const (
	// coreUsageRateThreshold caps the measured usage of a core that may take
	// an additional instance.
	coreUsageRateThreshold = 0.8
	// coreInstanceThreshold caps how many instances may stack on one core.
	coreInstanceThreshold = 3
	// projectedRateCeiling is the admission ceiling on projected usage rates.
	// It sits slightly above 1 so a placement that exactly fills a slot is
	// not rejected on float rounding, and it doubles as the headroom term of
	// the fragment score.
	projectedRateCeiling = 1.001
)

var (
	// ErrUnknownFunction: the function has no profile or registry entry.
	ErrUnknownFunction = errors.New("function is not profiled or registered")
	// ErrPlacementExhausted: no candidate config fits on any slot.
	ErrPlacementExhausted = errors.New("no resource config can be placed in the cluster")
	// ErrCoreShortfall: the winning slot could not supply enough cores.
	ErrCoreShortfall = errors.New("not enough assignable cores on the chosen socket")
)

// InstanceManager is the lifecycle collaborator the scheduler drives.
type InstanceManager interface {
	CreateInstance(ctx context.Context, fn, namespace string, cfg *types.FuncPodConfig, podType types.PodType) error
	DeleteInstances(ctx context.Context, fn, namespace string, configs []*types.FuncPodConfig) error
}

// Scheduler owns placement for the cluster. One mutex serializes every
// decision so capacity reads, scoring, and the capacity writes done through
// instance registration are a single atomic step.
type Scheduler struct {
	mu        sync.Mutex
	profiles  profile.Source
	estimator Estimator
	funcs     registry.Registry
	caps      capacity.Registry
	instances InstanceManager
}

// Estimator is the resource-config source the scheduler consults.
type Estimator interface {
	ConfigsForBatch(fn string, slo float64, batch, residualReq int32) ([]*types.FuncPodConfig, error)
	ConfigsForBatchAndConcurrencyAll(fn string, ranked []profile.IConfig, slo float64, residualReq int32) ([]*types.FuncPodConfig, error)
}

func New(profiles profile.Source, est Estimator, funcs registry.Registry, caps capacity.Registry, instances InstanceManager) *Scheduler {
	return &Scheduler{
		profiles:  profiles,
		estimator: est,
		funcs:     funcs,
		caps:      caps,
		instances: instances,
	}
}

// candidate is one scored (config, node, socket) triple.
type candidate struct {
	nodeIndex   int
	socketIndex int
	configIndex int
	cre         float64
	share       float64
}

// ScaleUp admits enough new instances to absorb reqArrivalRate requests per
// second within latencySLO milliseconds. Each pass picks the highest-ranked
// feasible config, places it where co-located model sharing is greatest
// (falling back to the fragment-aware CRE score to split machines with equal
// sharing), launches it, and subtracts its max throughput from the residual.
// The first failure stops the loop; instances already launched stay up.
func (s *Scheduler) ScaleUp(ctx context.Context, fn, namespace string, latencySLO float64, reqArrivalRate int32) error {
	if s.funcs.GetFunc(fn) == nil {
		metrics.RecordPlacementFailure(fn, namespace, constants.ReasonUnknownFunction)
		return fmt.Errorf("scale up %s: %w", fn, ErrUnknownFunction)
	}
	store := s.profiles.Store()
	maxEff, ok := store.MaxThroughputEfficiency(fn)
	if !ok {
		metrics.RecordPlacementFailure(fn, namespace, constants.ReasonUnknownFunction)
		return fmt.Errorf("scale up %s: %w", fn, ErrUnknownFunction)
	}
	ranked, err := store.RankedConfigs(fn)
	if err != nil {
		metrics.RecordPlacementFailure(fn, namespace, constants.ReasonUnknownFunction)
		return fmt.Errorf("scale up %s: %w", fn, err)
	}
	shareTable := store.ShareTable()

	s.mu.Lock()
	defer s.mu.Unlock()

	residualReq := reqArrivalRate
	for residualReq > 0 {
		metrics.RecordResidualDemand(fn, namespace, float64(residualReq))

		configs, err := s.estimator.ConfigsForBatchAndConcurrencyAll(fn, ranked, latencySLO, residualReq)
		if err != nil {
			metrics.RecordPlacementFailure(fn, namespace, failureReason(err))
			return fmt.Errorf("scale up %s, residual %d req/s: %w", fn, residualReq, err)
		}

		shareOf := func(nodeIndex int) float64 {
			return s.funcs.GetMachineShareMem(nodeIndex, fn, shareTable)
		}
		best, found, err := s.placeBest(configs, maxEff, shareOf)
		if err != nil {
			metrics.RecordPlacementFailure(fn, namespace, failureReason(err))
			return fmt.Errorf("scale up %s: %w", fn, err)
		}
		if !found {
			metrics.RecordPlacementFailure(fn, namespace, constants.ReasonPlacementExhausted)
			return fmt.Errorf("scale up %s, residual %d req/s: %w", fn, residualReq, ErrPlacementExhausted)
		}

		chosen := configs[best.configIndex]
		if err := s.bindCores(chosen, best); err != nil {
			metrics.RecordPlacementFailure(fn, namespace, failureReason(err))
			return fmt.Errorf("scale up %s: %w", fn, err)
		}

		if err := s.instances.CreateInstance(ctx, fn, namespace, chosen, types.PodTypeInstance); err != nil {
			return fmt.Errorf("scale up %s: %w", fn, err)
		}
		metrics.RecordPlacement(fn, namespace, string(types.PodTypeInstance), best.cre)
		logger.Log.Info("instance placed",
			"function", fn, "node", best.nodeIndex, "socket", best.socketIndex,
			"cre", best.cre, "share", best.share,
			"reqPerSecondMax", chosen.ReqPerSecondMax, "residualBefore", residualReq)
		residualReq -= chosen.ReqPerSecondMax
	}
	metrics.RecordResidualDemand(fn, namespace, 0)
	return nil
}

// PreWarm stands up one idle instance of fn sized for the given batch at
// unit demand, placed purely by the CRE score. Pre-warmed instances are not
// counted against the function's replicas.
func (s *Scheduler) PreWarm(ctx context.Context, fn, namespace string, latencySLO float64, batch int32) error {
	if s.funcs.GetFunc(fn) == nil {
		metrics.RecordPlacementFailure(fn, namespace, constants.ReasonUnknownFunction)
		return fmt.Errorf("pre-warm %s: %w", fn, ErrUnknownFunction)
	}
	maxEff, ok := s.profiles.Store().MaxThroughputEfficiency(fn)
	if !ok {
		metrics.RecordPlacementFailure(fn, namespace, constants.ReasonUnknownFunction)
		return fmt.Errorf("pre-warm %s: %w", fn, ErrUnknownFunction)
	}

	configs, err := s.estimator.ConfigsForBatch(fn, latencySLO, batch, 1)
	if err != nil {
		metrics.RecordPlacementFailure(fn, namespace, failureReason(err))
		return fmt.Errorf("pre-warm %s, batch %d: %w", fn, batch, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	best, found, err := s.placeBest(configs, maxEff, nil)
	if err != nil {
		metrics.RecordPlacementFailure(fn, namespace, failureReason(err))
		return fmt.Errorf("pre-warm %s: %w", fn, err)
	}
	if !found {
		metrics.RecordPlacementFailure(fn, namespace, constants.ReasonPlacementExhausted)
		return fmt.Errorf("pre-warm %s, batch %d: %w", fn, batch, ErrPlacementExhausted)
	}

	chosen := configs[best.configIndex]
	if err := s.bindCores(chosen, best); err != nil {
		metrics.RecordPlacementFailure(fn, namespace, failureReason(err))
		return fmt.Errorf("pre-warm %s: %w", fn, err)
	}

	if err := s.instances.CreateInstance(ctx, fn, namespace, chosen, types.PodTypePreWarm); err != nil {
		return fmt.Errorf("pre-warm %s: %w", fn, err)
	}
	metrics.RecordPlacement(fn, namespace, string(types.PodTypePreWarm), best.cre)
	logger.Log.Info("pre-warm instance placed",
		"function", fn, "node", best.nodeIndex, "socket", best.socketIndex,
		"cre", best.cre, "batch", batch)
	return nil
}

// ScaleDown deletes the given instances under the placement lock so released
// capacity becomes visible to concurrent placements atomically.
func (s *Scheduler) ScaleDown(ctx context.Context, fn, namespace string, configs []*types.FuncPodConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.instances.DeleteInstances(ctx, fn, namespace, configs); err != nil {
		return fmt.Errorf("scale down %s: %w", fn, err)
	}
	return nil
}

// placeBest scores every (config, node, socket) combination that the
// projected usage ceiling admits and returns the winner. With shareOf set,
// co-located model sharing is the primary key and CRE breaks ties between
// machines whose share agrees to two decimals; ties keep the earlier slot.
// Without shareOf the CRE score decides alone.
//
// CRE relates a config's deliverable request rate, normalized by the
// function's best profiled throughput per resource unit, to the slot
// fragment it would leave behind: higher means more demand absorbed per
// unit of stranded capacity.
func (s *Scheduler) placeBest(configs []*types.FuncPodConfig, maxThroughputEfficiency float64, shareOf func(nodeIndex int) float64) (candidate, bool, error) {
	best := candidate{nodeIndex: -1, socketIndex: -1, configIndex: -1, cre: -1, share: -1}
	nodes := s.caps.ClusterCapConfig().Nodes

	for i := range nodes {
		node := &nodes[i]
		share := 0.0
		if shareOf != nil {
			share = shareOf(i)
		}

		for j := range node.Sockets {
			consumedThreads := 0
			totalThreads := 0
			for k := range node.Sockets[j].Cores {
				consumedThreads += node.Sockets[j].Cores[k].UsedInstances
				totalThreads++
			}
			// Each physical core carries two hyperthreads.
			consumedThreads <<= 1
			totalThreads <<= 1

			soldThreads := float64(totalThreads + node.CpuCoreOversell)
			cpuRate := float64(consumedThreads) / soldThreads
			gpu := &node.Gpus[j+1]
			gpuCoreRate := gpu.CoreUsageRate / (1.0 + float64(node.GpuCoreOversellPercent)/100)
			gpuMemRate := gpu.MemUsageRate / (1.0 + node.GpuMemOversellRate)

			slotCpuCapacity := soldThreads * profile.CpuThreadUnits
			slotGpuCapacity := float64(100+node.GpuCoreOversellPercent) * profile.GpuCorePercentUnits
			slotUnitCapacity := slotCpuCapacity + slotGpuCapacity

			for k, cfg := range configs {
				if cfg.Cap() == types.GpuShared {
					return best, false, fmt.Errorf("config with %d%% gpu core share: %w",
						cfg.GpuCorePercent, types.ErrGpuShareNotSupported)
				}
				cfg.GpuMemoryRate = 0

				projectedCpu := cpuRate + float64(cfg.CpuThreads)/soldThreads
				projectedGpuCore := gpuCoreRate + float64(cfg.GpuCorePercent)/float64(100+node.GpuCoreOversellPercent)
				projectedGpuMem := gpuMemRate + cfg.GpuMemoryRate/(1.0+node.GpuMemOversellRate)

				if projectedCpu > projectedRateCeiling ||
					projectedGpuCore > projectedRateCeiling ||
					projectedGpuMem > projectedRateCeiling {
					continue
				}

				fragment := slotCpuCapacity*(projectedRateCeiling-projectedCpu) +
					slotGpuCapacity*(projectedRateCeiling-projectedGpuCore)
				cre := (float64(cfg.ReqPerSecondMax) / maxThroughputEfficiency) / (fragment / slotUnitCapacity)

				switch {
				case shareOf == nil && cre > best.cre:
					best = candidate{nodeIndex: i, socketIndex: j, configIndex: k, cre: cre, share: share}
				case shareOf != nil && share > best.share:
					best = candidate{nodeIndex: i, socketIndex: j, configIndex: k, cre: cre, share: share}
				case shareOf != nil && int64(share*100) == int64(best.share*100) && cre > best.cre:
					// Equal sharing keeps the earlier slot even when this one
					// strands less capacity; switching here made repeated
					// placements oscillate between machines.
				}
			}
		}
	}
	return best, best.configIndex != -1 && best.socketIndex != -1, nil
}

// bindCores resolves the winning candidate to concrete cores and writes the
// allocation into the config. Fully idle cores are claimed first; occupied
// cores qualify only below both stacking thresholds. A shortfall leaves the
// config untouched.
func (s *Scheduler) bindCores(cfg *types.FuncPodConfig, best candidate) error {
	cores := s.caps.ClusterCapConfig().Nodes[best.nodeIndex].Sockets[best.socketIndex].Cores
	needed := cfg.CpuThreads >> 1

	var coreList []int
	for k := 0; k < len(cores) && needed > 0; k++ {
		if cores[k].UsedInstances == 0 {
			coreList = append(coreList, k)
			needed--
		}
	}
	for k := 0; k < len(cores) && needed > 0; k++ {
		if cores[k].UsedInstances != 0 &&
			cores[k].UsedInstances < coreInstanceThreshold &&
			types.LessEqual(cores[k].UsageRate, coreUsageRateThreshold) {
			coreList = append(coreList, k)
			needed--
		}
	}
	if needed > 0 {
		return fmt.Errorf("node %d socket %d short %d cores for %d threads: %w",
			best.nodeIndex, best.socketIndex, needed, cfg.CpuThreads, ErrCoreShortfall)
	}

	gpuSlot := best.socketIndex + 1
	if cfg.GpuCorePercent == 0 {
		gpuSlot = 0
	}
	cfg.Placement = &types.Allocation{
		NodeIndex:      best.nodeIndex,
		SocketIndex:    best.socketIndex,
		GpuSlotIndex:   gpuSlot,
		CpuCoreIndices: coreList,
	}
	return nil
}

// failureReason maps an error to its metric label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrPlacementExhausted):
		return constants.ReasonPlacementExhausted
	case errors.Is(err, ErrCoreShortfall):
		return constants.ReasonCoreShortfall
	case errors.Is(err, ErrUnknownFunction):
		return constants.ReasonUnknownFunction
	case errors.Is(err, estimator.ErrSLOUnreachable):
		return constants.ReasonSLOUnreachable
	case errors.Is(err, estimator.ErrDemandTooLow):
		return constants.ReasonDemandTooLow
	default:
		return constants.ReasonProvisioning
	}
}
