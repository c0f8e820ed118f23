package registry

import (
	"sync"

	"github.com/serving-lab/slo-placer/internal/capacity"
	"github.com/serving-lab/slo-placer/internal/logger"
	"github.com/serving-lab/slo-placer/internal/types"
)

// Registry is the function registry consumed by the scheduler and lifecycle
// manager. Replica counters and pod locations are reconciled through it;
// the backing store is an external collaborator in production.
type Registry interface {
	// RegisterFunction makes a function schedulable.
	RegisterFunction(status *types.FunctionDeployStatus)
	// GetFunc returns the deploy status of a function, nil when unknown.
	GetFunc(name string) *types.FunctionDeployStatus
	UpdateExpectedReplicas(name string, replicas int32)
	UpdateAvailReplicas(name string, replicas int32)
	// AddPodConfig records a running instance and commits its core
	// allocation to the capacity registry.
	AddPodConfig(fn string, cfg *types.FuncPodConfig)
	// DeletePodLocation removes an instance record and releases its cores.
	DeletePodLocation(fn, podName string)
	// GetMachineShareMem scores how much profiled memory fn would share with
	// the functions already placed on a node.
	GetMachineShareMem(nodeIndex int, fn string, shareTable map[string]map[string]float64) float64
	// PodConfigs lists the recorded instances of a function.
	PodConfigs(fn string) []*types.FuncPodConfig
}

// InMemory is the process-local registry implementation. A capacity store
// may be attached so instance registration keeps core counters in step.
type InMemory struct {
	mu    sync.RWMutex
	funcs map[string]*types.FunctionDeployStatus
	// pods: function -> pod name -> config (with placement).
	pods map[string]map[string]*types.FuncPodConfig
	caps *capacity.Store
}

func NewInMemory(caps *capacity.Store) *InMemory {
	return &InMemory{
		funcs: make(map[string]*types.FunctionDeployStatus),
		pods:  make(map[string]map[string]*types.FuncPodConfig),
		caps:  caps,
	}
}

// RegisterFunction makes a function schedulable. Existing entries are
// replaced wholesale; replica counters restart from the given status.
func (r *InMemory) RegisterFunction(status *types.FunctionDeployStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[status.Name] = status
	if _, ok := r.pods[status.Name]; !ok {
		r.pods[status.Name] = make(map[string]*types.FuncPodConfig)
	}
}

func (r *InMemory) GetFunc(name string) *types.FunctionDeployStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.funcs[name]
}

func (r *InMemory) UpdateExpectedReplicas(name string, replicas int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status, ok := r.funcs[name]; ok {
		status.ExpectedReplicas = replicas
	}
}

func (r *InMemory) UpdateAvailReplicas(name string, replicas int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status, ok := r.funcs[name]; ok {
		status.AvailReplicas = replicas
	}
}

func (r *InMemory) AddPodConfig(fn string, cfg *types.FuncPodConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pods[fn]; !ok {
		r.pods[fn] = make(map[string]*types.FuncPodConfig)
	}
	r.pods[fn][cfg.PodName] = cfg
	if r.caps != nil {
		r.caps.ApplyAllocation(cfg.Placement)
	}
}

func (r *InMemory) DeletePodLocation(fn, podName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.pods[fn][podName]
	if !ok {
		logger.Log.Warn("delete of unrecorded instance", "function", fn, "pod", podName)
		return
	}
	delete(r.pods[fn], podName)
	if r.caps != nil {
		r.caps.ReleaseAllocation(cfg.Placement)
	}
}

func (r *InMemory) PodConfigs(fn string) []*types.FuncPodConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.FuncPodConfig, 0, len(r.pods[fn]))
	for _, cfg := range r.pods[fn] {
		out = append(out, cfg)
	}
	return out
}

// GetMachineShareMem sums, over every distinct function with at least one
// instance on the node, the memory fn is profiled to share with it. Higher
// scores bias placement toward machines already holding shareable weights.
func (r *InMemory) GetMachineShareMem(nodeIndex int, fn string, shareTable map[string]map[string]float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shares := shareTable[fn]
	if len(shares) == 0 {
		return 0
	}
	total := 0.0
	for other, pods := range r.pods {
		onNode := false
		for _, cfg := range pods {
			if cfg.Placement != nil && cfg.Placement.NodeIndex == nodeIndex {
				onNode = true
				break
			}
		}
		if onNode {
			total += shares[other]
		}
	}
	return total
}
