package types

import (
	corev1 "k8s.io/api/core/v1"
)

// PodType distinguishes demand-driven instances from pre-warmed ones.
type PodType string

const (
	// PodTypeInstance is a replica created by the admission loop and counted
	// against the function's expected/available replicas.
	PodTypeInstance PodType = "instance"
	// PodTypePreWarm is a single idle replica stood up ahead of demand; it is
	// excluded from replica accounting.
	PodTypePreWarm PodType = "prewarm"
)

// Capability tags what kind of device sharing a pod config relies on.
// GpuShared configurations are modeled but not supported by the placement
// pipeline; operations reject them with ErrGpuShareNotSupported instead of
// asserting.
type Capability int

const (
	CpuOnly Capability = iota
	GpuShared
)

// Allocation pins a pod config to a node, socket, GPU slot and an explicit
// set of physical cores on that socket. GpuSlotIndex 0 means CPU-only; slot
// s on socket j is addressed as j+1.
type Allocation struct {
	NodeIndex      int
	SocketIndex    int
	GpuSlotIndex   int
	CpuCoreIndices []int
}

// FuncPodConfig is one scheduling decision in progress: produced unassigned
// by the estimator, given an Allocation by the scheduler, and completed with
// pod name/IP by the lifecycle manager.
type FuncPodConfig struct {
	BatchSize      int32
	CpuThreads     int32
	GpuCorePercent int32
	// GpuMemoryRate is the fraction of a GPU's memory this config consumes.
	// -1 until the scheduler resolves it against a concrete slot.
	GpuMemoryRate   float64
	ExecutionTimeMs int32
	// BatchTimeoutUs is the maximum wait before dispatching a partial batch.
	BatchTimeoutUs  int32
	Concurrency     int32
	ReqPerSecondMax int32
	ReqPerSecondMin int32

	Placement *Allocation

	PodName         string
	PodIP           string
	PodType         PodType
	InactiveCounter int32
}

// Cap reports the capability class of the config.
func (c *FuncPodConfig) Cap() Capability {
	if c.GpuCorePercent > 0 {
		return GpuShared
	}
	return CpuOnly
}

// FunctionDeployStatus mirrors the function registry's view of one served
// function. AvailReplicas never exceeds ExpectedReplicas; both are
// continuously reconciled by the lifecycle manager.
type FunctionDeployStatus struct {
	Name             string
	ExpectedReplicas int32
	AvailReplicas    int32
	// PodTemplate is the deployment template instances are stamped from. The
	// fixed environment variables patched at create time must already exist
	// on its first container.
	PodTemplate *corev1.Pod
	// GpuMemoryMB is the function's requested GPU memory, used only on the
	// (unsupported) GpuShared path.
	GpuMemoryMB int32
}

// CoreStatus tracks scheduler-visible usage of one physical core.
type CoreStatus struct {
	// CoreIndex is the OS core index; the hyperthread sibling lives at
	// CoreIndex + node HyperThreadOffset.
	CoreIndex     int     `yaml:"coreIndex"`
	UsedInstances int     `yaml:"usedInstances"`
	UsageRate     float64 `yaml:"usageRate"`
}

// SocketCapacity is the per-socket core set of one NUMA node.
type SocketCapacity struct {
	Cores []CoreStatus `yaml:"cores"`
}

// GpuSlotCapacity is the usage snapshot of one GPU. Index 0 in a node's Gpus
// list is a placeholder for CPU-only placements; socket j maps to slot j+1.
type GpuSlotCapacity struct {
	CudaDeviceIndex   int     `yaml:"cudaDeviceIndex"`
	TotalMemoryMB     int32   `yaml:"totalMemoryMB"`
	CoreUsageRate     float64 `yaml:"coreUsageRate"`
	MemUsageRate      float64 `yaml:"memUsageRate"`
}

// NodeCapacity is one machine's capacity, oversubscription knobs included.
type NodeCapacity struct {
	// NodeLabel is a "key=value" node-selector label pinning pods to this
	// machine.
	NodeLabel string `yaml:"nodeLabel"`
	// MetricsInstance is the Prometheus instance label of the machine's
	// exporters. Empty skips the machine during usage collection.
	MetricsInstance   string  `yaml:"metricsInstance,omitempty"`
	HyperThreadOffset int     `yaml:"hyperThreadOffset"`
	CpuCoreOversell   int     `yaml:"cpuCoreOversell"`
	// GpuCoreOversellPercent is additive percent on top of the physical 100.
	GpuCoreOversellPercent int     `yaml:"gpuCoreOversellPercent"`
	GpuMemOversellRate     float64 `yaml:"gpuMemOversellRate"`

	Sockets []SocketCapacity  `yaml:"sockets"`
	Gpus    []GpuSlotCapacity `yaml:"gpus"`
}

// ClusterCapConfig is a point-in-time snapshot of the whole cluster.
type ClusterCapConfig struct {
	Nodes []NodeCapacity `yaml:"nodes"`
}

// LessEqual compares floats with a small tolerance; capacity math accumulates
// rounding error that a strict <= would misclassify.
func LessEqual(a, b float64) bool {
	return a <= b+1e-9
}
