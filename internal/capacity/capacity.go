package capacity

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/serving-lab/slo-placer/internal/logger"
	"github.com/serving-lab/slo-placer/internal/types"
)

// Registry exposes the cluster capacity snapshot consumed by placement
// decisions. The snapshot is live shared state: callers read it under the
// scheduler's decision lock and must not retain it past one decision.
type Registry interface {
	ClusterCapConfig() *types.ClusterCapConfig
}

// Store is the in-process capacity registry. Core instance counters are
// updated through Apply/Release as instances come and go; usage rates are
// owned by the external monitoring collaborator and only read here.
type Store struct {
	mu  sync.RWMutex
	cfg *types.ClusterCapConfig
}

// NewStore wraps a capacity snapshot, typically seeded from LoadFile. Nodes
// short on GPU entries are padded with zero-valued slots so that slot j+1
// exists for every socket j; a CPU-only machine may omit gpus entirely in
// the seed and placement still addresses its sockets safely.
func NewStore(cfg *types.ClusterCapConfig) *Store {
	if cfg == nil {
		cfg = &types.ClusterCapConfig{}
	}
	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]
		for len(node.Gpus) < len(node.Sockets)+1 {
			node.Gpus = append(node.Gpus, types.GpuSlotCapacity{})
		}
	}
	return &Store{cfg: cfg}
}

// LoadFile reads a YAML capacity seed describing nodes, sockets, cores, GPU
// slots and oversubscription knobs.
func LoadFile(path string) (*types.ClusterCapConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capacity file: %w", err)
	}
	var cfg types.ClusterCapConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing capacity file %s: %w", path, err)
	}
	for i, node := range cfg.Nodes {
		if node.NodeLabel == "" {
			return nil, fmt.Errorf("capacity node %d has no nodeLabel", i)
		}
	}
	return &cfg, nil
}

func (s *Store) ClusterCapConfig() *types.ClusterCapConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyAllocation bumps the instance counter of every core the allocation
// claimed. Out-of-range indexes are logged and skipped rather than panicking;
// the capacity seed and the placement decision can only disagree if the seed
// was swapped mid-flight.
func (s *Store) ApplyAllocation(alloc *types.Allocation) {
	s.adjustAllocation(alloc, +1)
}

// ReleaseAllocation undoes ApplyAllocation for a torn-down instance.
func (s *Store) ReleaseAllocation(alloc *types.Allocation) {
	s.adjustAllocation(alloc, -1)
}

// UpdateCoreUsage overwrites the measured usage rate of one core. Called by
// the monitoring collaborator; rates are clamped to [0, 1].
func (s *Store) UpdateCoreUsage(nodeIndex, socketIndex, coreTh int, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nodeIndex < 0 || nodeIndex >= len(s.cfg.Nodes) {
		logger.Log.Warn("usage sample references unknown node", "node", nodeIndex)
		return
	}
	node := &s.cfg.Nodes[nodeIndex]
	if socketIndex < 0 || socketIndex >= len(node.Sockets) {
		logger.Log.Warn("usage sample references unknown socket", "node", nodeIndex, "socket", socketIndex)
		return
	}
	cores := node.Sockets[socketIndex].Cores
	if coreTh < 0 || coreTh >= len(cores) {
		logger.Log.Warn("usage sample references unknown core",
			"node", nodeIndex, "socket", socketIndex, "core", coreTh)
		return
	}
	cores[coreTh].UsageRate = clampRate(rate)
}

// UpdateGpuUsage overwrites the measured core and memory usage rates of one
// GPU slot.
func (s *Store) UpdateGpuUsage(nodeIndex, slot int, coreRate, memRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nodeIndex < 0 || nodeIndex >= len(s.cfg.Nodes) {
		logger.Log.Warn("gpu usage sample references unknown node", "node", nodeIndex)
		return
	}
	node := &s.cfg.Nodes[nodeIndex]
	if slot < 0 || slot >= len(node.Gpus) {
		logger.Log.Warn("gpu usage sample references unknown slot", "node", nodeIndex, "slot", slot)
		return
	}
	node.Gpus[slot].CoreUsageRate = clampRate(coreRate)
	node.Gpus[slot].MemUsageRate = clampRate(memRate)
}

func clampRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

func (s *Store) adjustAllocation(alloc *types.Allocation, delta int) {
	if alloc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if alloc.NodeIndex < 0 || alloc.NodeIndex >= len(s.cfg.Nodes) {
		logger.Log.Warn("allocation references unknown node", "node", alloc.NodeIndex)
		return
	}
	node := &s.cfg.Nodes[alloc.NodeIndex]
	if alloc.SocketIndex < 0 || alloc.SocketIndex >= len(node.Sockets) {
		logger.Log.Warn("allocation references unknown socket",
			"node", alloc.NodeIndex, "socket", alloc.SocketIndex)
		return
	}
	cores := node.Sockets[alloc.SocketIndex].Cores
	for _, coreTh := range alloc.CpuCoreIndices {
		if coreTh < 0 || coreTh >= len(cores) {
			logger.Log.Warn("allocation references unknown core",
				"node", alloc.NodeIndex, "socket", alloc.SocketIndex, "core", coreTh)
			continue
		}
		next := cores[coreTh].UsedInstances + delta
		if next < 0 {
			next = 0
		}
		cores[coreTh].UsedInstances = next
	}
}
