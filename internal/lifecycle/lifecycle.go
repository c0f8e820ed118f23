package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/serving-lab/slo-placer/internal/capacity"
	"github.com/serving-lab/slo-placer/internal/constants"
	"github.com/serving-lab/slo-placer/internal/logger"
	"github.com/serving-lab/slo-placer/internal/metrics"
	"github.com/serving-lab/slo-placer/internal/registry"
	"github.com/serving-lab/slo-placer/internal/types"
)

var (
	// ErrTemplateMissing: the function has no deploy template registered.
	ErrTemplateMissing = errors.New("function has no deploy template")
	// ErrReplicasOutOfSync: a prior scale-up has not landed yet; creating
	// another instance now would over-provision.
	ErrReplicasOutOfSync = errors.New("expected replicas ahead of available replicas")
	// ErrAddressTimeout: the instance was created but never reported a
	// network address inside the polling budget; it has been deleted.
	ErrAddressTimeout = errors.New("instance never obtained a network address")
)

// The environment variables patched onto every instance. They must already
// exist on the template's first container; none are ever added.
const (
	envCudaDevices    = "CUDA_VISIBLE_DEVICES"
	envGpuThreadPct   = "CUDA_MPS_ACTIVE_THREAD_PERCENTAGE"
	envGpuMemFraction = "GPU_MEM_FRACTION"
	envBatchSize      = "BATCH_SIZE"
	envBatchTimeout   = "BATCH_TIMEOUT"
	envModelName      = "MODEL_NAME"
	envEnableBatch    = "ENABLE_BATCH"
	envBatchThreads   = "BATCH_THREADS"
)

const patchedEnvCount = 8

// AffinityBinder pins a running instance to the CPU cores its placement
// claimed. Binding is best-effort; failures are logged, never propagated.
type AffinityBinder interface {
	AssignToCore(ctx context.Context, namespace, podName string, nodeIndex int, coreList string) error
}

// LogOnlyBinder stands in when no affinity collaborator is deployed.
type LogOnlyBinder struct{}

func (LogOnlyBinder) AssignToCore(_ context.Context, namespace, podName string, nodeIndex int, coreList string) error {
	logger.Log.Info("no affinity collaborator configured, skipping core binding",
		"namespace", namespace, "pod", podName, "node", nodeIndex, "cores", coreList)
	return nil
}

// Config carries the deployment-environment knobs of the manager.
type Config struct {
	// LockHostPath is the host directory of serving lock files, mounted into
	// every instance.
	LockHostPath string
	// ModelHostPathRoot is the host directory holding per-function model
	// weights; instances mount <root>/<function>.
	ModelHostPathRoot string
	// AddressPollAttempts and AddressPollInterval bound the wait for a new
	// instance's network address.
	AddressPollAttempts int
	AddressPollInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.AddressPollAttempts <= 0 {
		c.AddressPollAttempts = 30
	}
	if c.AddressPollInterval <= 0 {
		c.AddressPollInterval = time.Second
	}
}

// Manager materializes placement decisions into running instances and tears
// them down again, keeping the function registry's replica counters
// reconciled on every path.
type Manager struct {
	client   kubernetes.Interface
	funcs    registry.Registry
	caps     capacity.Registry
	affinity AffinityBinder
	cfg      Config
}

func NewManager(client kubernetes.Interface, funcs registry.Registry, caps capacity.Registry, affinity AffinityBinder, cfg Config) *Manager {
	cfg.withDefaults()
	if affinity == nil {
		affinity = LogOnlyBinder{}
	}
	return &Manager{client: client, funcs: funcs, caps: caps, affinity: affinity, cfg: cfg}
}

// SeedFunction loads the function's deployment from the cluster and
// registers it as schedulable. Replica counters start at zero: instances the
// placer did not create itself are invisible to it.
func (m *Manager) SeedFunction(ctx context.Context, fn, namespace string) error {
	dep, err := m.client.AppsV1().Deployments(namespace).Get(ctx, fn, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("loading deployment of function %s: %w", fn, err)
	}
	template := &corev1.Pod{
		ObjectMeta: *dep.Spec.Template.ObjectMeta.DeepCopy(),
		Spec:       *dep.Spec.Template.Spec.DeepCopy(),
	}
	m.funcs.RegisterFunction(&types.FunctionDeployStatus{Name: fn, PodTemplate: template})
	logger.Log.Info("function registered", "function", fn, "namespace", namespace)
	return nil
}

// CreateInstance stamps an instance from the function's deploy template at
// the placement recorded in cfg, waits for it to obtain an address, and
// registers it. On an address timeout the instance is deleted before the
// error surfaces; nothing is registered.
func (m *Manager) CreateInstance(ctx context.Context, fn, namespace string, cfg *types.FuncPodConfig, podType types.PodType) error {
	if cfg.Cap() == types.GpuShared {
		return fmt.Errorf("function %s: %w", fn, types.ErrGpuShareNotSupported)
	}
	status := m.funcs.GetFunc(fn)
	if status == nil || status.PodTemplate == nil {
		return fmt.Errorf("function %s: %w", fn, ErrTemplateMissing)
	}

	expectedBefore := status.ExpectedReplicas
	if podType == types.PodTypeInstance {
		if status.ExpectedReplicas != status.AvailReplicas {
			return fmt.Errorf("function %s, expected %d avail %d: %w",
				fn, status.ExpectedReplicas, status.AvailReplicas, ErrReplicasOutOfSync)
		}
		m.funcs.UpdateExpectedReplicas(fn, expectedBefore+1)
	}

	nodes := m.caps.ClusterCapConfig().Nodes
	node := nodes[cfg.Placement.NodeIndex]

	pod := status.PodTemplate.DeepCopy()
	if len(pod.Spec.Containers) == 0 {
		m.rollbackExpected(fn, podType, expectedBefore)
		return fmt.Errorf("function %s deploy template has no containers", fn)
	}

	key, value, ok := strings.Cut(node.NodeLabel, "=")
	if !ok {
		m.rollbackExpected(fn, podType, expectedBefore)
		return fmt.Errorf("node %d label %q is not key=value", cfg.Placement.NodeIndex, node.NodeLabel)
	}
	pod.Spec.NodeSelector = map[string]string{key: value}

	if err := patchEnv(pod, fn, cfg, node); err != nil {
		m.rollbackExpected(fn, podType, expectedBefore)
		return err
	}
	mountVolumes(pod, fn, m.cfg)

	// Readiness is tracked by address polling below, not by kubelet probes.
	pod.Spec.Containers[0].LivenessProbe = nil
	pod.Spec.Containers[0].ReadinessProbe = nil

	podName := instanceName(fn, cfg, node)
	pod.Name = podName

	if _, err := m.client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		m.rollbackExpected(fn, podType, expectedBefore)
		metrics.RecordPlacementFailure(fn, namespace, constants.ReasonProvisioning)
		return fmt.Errorf("launching instance %s for function %s: %w", podName, fn, err)
	}

	m.dispatchCoreBinding(namespace, podName, cfg, node)

	ip := m.awaitAddress(ctx, namespace, podName)
	if ip == "" {
		logger.Log.Warn("instance never reported an address, rolling back",
			"function", fn, "pod", podName, "attempts", m.cfg.AddressPollAttempts)
		m.deletePod(ctx, namespace, podName)
		if podType == types.PodTypeInstance {
			m.reconcileExpected(fn)
		}
		metrics.RecordAddressTimeout(fn, namespace)
		return fmt.Errorf("instance %s of function %s: %w", podName, fn, ErrAddressTimeout)
	}

	cfg.PodName = podName
	cfg.PodIP = ip
	cfg.PodType = podType
	cfg.InactiveCounter = 0
	m.funcs.AddPodConfig(fn, cfg)
	if podType == types.PodTypeInstance {
		m.funcs.UpdateAvailReplicas(fn, status.AvailReplicas+1)
		m.reconcileExpected(fn)
	}
	metrics.RecordInstanceCreated(fn, namespace, string(podType))
	logger.Log.Info("instance running",
		"function", fn, "pod", podName, "ip", ip,
		"node", cfg.Placement.NodeIndex, "socket", cfg.Placement.SocketIndex,
		"cpuThreads", cfg.CpuThreads, "batch", cfg.BatchSize)
	return nil
}

// DeleteInstances tears down the given instances. Replica counters are
// decremented optimistically and restored if the delete fails; a failure
// stops the batch, leaving the remaining instances untouched.
func (m *Manager) DeleteInstances(ctx context.Context, fn, namespace string, configs []*types.FuncPodConfig) error {
	status := m.funcs.GetFunc(fn)
	if status == nil {
		return fmt.Errorf("function %s: %w", fn, ErrTemplateMissing)
	}

	for _, item := range configs {
		expectedBefore := m.funcs.GetFunc(fn).ExpectedReplicas
		m.funcs.UpdateExpectedReplicas(fn, expectedBefore-1)
		if err := m.deletePod(ctx, namespace, item.PodName); err != nil {
			m.funcs.UpdateExpectedReplicas(fn, expectedBefore)
			return fmt.Errorf("deleting instance %s of function %s: %w", item.PodName, fn, err)
		}
		m.funcs.DeletePodLocation(fn, item.PodName)
		m.funcs.UpdateAvailReplicas(fn, m.funcs.GetFunc(fn).AvailReplicas-1)
		metrics.RecordInstanceDeleted(fn, namespace)
	}
	return nil
}

func (m *Manager) rollbackExpected(fn string, podType types.PodType, expectedBefore int32) {
	if podType == types.PodTypeInstance {
		m.funcs.UpdateExpectedReplicas(fn, expectedBefore)
	}
}

// reconcileExpected pulls expectedReplicas back down to availReplicas so the
// registry never advertises capacity that failed to land.
func (m *Manager) reconcileExpected(fn string) {
	status := m.funcs.GetFunc(fn)
	if status != nil && status.AvailReplicas < status.ExpectedReplicas {
		m.funcs.UpdateExpectedReplicas(fn, status.AvailReplicas)
	}
}

// patchEnv rewrites the fixed instance environment on the template's first
// container. All eight variables must already be present.
func patchEnv(pod *corev1.Pod, fn string, cfg *types.FuncPodConfig, node types.NodeCapacity) error {
	env := pod.Spec.Containers[0].Env
	found := 0
	for i := range env {
		switch env[i].Name {
		case envCudaDevices:
			env[i].Value = strconv.Itoa(node.Gpus[cfg.Placement.GpuSlotIndex].CudaDeviceIndex)
		case envGpuThreadPct:
			env[i].Value = strconv.Itoa(int(cfg.GpuCorePercent))
		case envGpuMemFraction:
			env[i].Value = strconv.FormatFloat(cfg.GpuMemoryRate, 'f', 2, 32)
		case envBatchSize:
			env[i].Value = strconv.Itoa(int(cfg.BatchSize))
		case envBatchTimeout:
			env[i].Value = strconv.Itoa(int(cfg.BatchTimeoutUs))
		case envModelName:
			env[i].Value = fn
		case envEnableBatch:
			env[i].Value = strconv.FormatBool(cfg.BatchSize != 1)
		case envBatchThreads:
			env[i].Value = strconv.Itoa(int(cfg.Concurrency))
		default:
			continue
		}
		found++
	}
	if found < patchedEnvCount {
		return fmt.Errorf("function %s deploy template is missing instance environment variables (%d/%d patched)",
			fn, found, patchedEnvCount)
	}
	return nil
}

// mountVolumes replaces the template's mounts with the serving lock
// directory and the function's model directory on the host.
func mountVolumes(pod *corev1.Pod, fn string, cfg Config) {
	hostPathType := corev1.HostPathDirectory
	pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{
		{Name: "serving-locks", MountPath: "/serving-locks/"},
		{Name: "serving-models", MountPath: "/models/" + fn},
	}
	pod.Spec.Volumes = []corev1.Volume{
		{Name: "serving-locks", VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: cfg.LockHostPath, Type: &hostPathType}}},
		{Name: "serving-models", VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: cfg.ModelHostPathRoot + "/" + fn, Type: &hostPathType}}},
	}
}

// instanceName encodes the whole decision into the pod name so a failing
// instance can be diagnosed from its name alone, plus a random suffix
// against collisions.
func instanceName(fn string, cfg *types.FuncPodConfig, node types.NodeCapacity) string {
	return fn +
		"-n" + strconv.Itoa(cfg.Placement.NodeIndex) +
		"-t" + strconv.Itoa(int(cfg.CpuThreads)) +
		"-g" + strconv.Itoa(node.Gpus[cfg.Placement.GpuSlotIndex].CudaDeviceIndex) +
		"-s" + strconv.Itoa(int(cfg.GpuCorePercent)) +
		"-m" + strconv.FormatFloat(cfg.GpuMemoryRate*100, 'f', 0, 32) +
		"-b" + strconv.Itoa(int(cfg.BatchSize)) +
		"-qx" + strconv.Itoa(int(cfg.ReqPerSecondMax)) +
		"-qi" + strconv.Itoa(int(cfg.ReqPerSecondMin)) +
		"-" + utilrand.String(10)
}

// dispatchCoreBinding requests CPU affinity for the chosen cores in a
// detached task. Each physical core is expanded to its hyperthread sibling.
// Failures are logged only; the instance serves unpinned until the
// collaborator catches up.
func (m *Manager) dispatchCoreBinding(namespace, podName string, cfg *types.FuncPodConfig, node types.NodeCapacity) {
	coreThs := cfg.Placement.CpuCoreIndices
	if len(coreThs) == 0 {
		return
	}
	socket := node.Sockets[cfg.Placement.SocketIndex].Cores
	oscores := make([]string, 0, 2*len(coreThs))
	for _, coreTh := range coreThs {
		oscores = append(oscores,
			strconv.Itoa(socket[coreTh].CoreIndex),
			strconv.Itoa(socket[coreTh].CoreIndex+node.HyperThreadOffset))
	}
	coreList := strings.Join(oscores, ",")
	nodeIndex := cfg.Placement.NodeIndex

	go func() {
		if err := m.affinity.AssignToCore(context.Background(), namespace, podName, nodeIndex, coreList); err != nil {
			logger.Log.Error(err, "core binding failed",
				"pod", podName, "node", nodeIndex, "cores", coreList)
			return
		}
		logger.Log.Debug("core binding done", "pod", podName, "node", nodeIndex, "cores", coreList)
	}()
}

// awaitAddress polls the orchestrator for the instance's address within the
// configured budget, returning "" on timeout.
func (m *Manager) awaitAddress(ctx context.Context, namespace, podName string) string {
	for attempt := 0; attempt < m.cfg.AddressPollAttempts; attempt++ {
		pod, err := m.client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			logger.Log.Debug("address poll failed", "pod", podName, "error", err.Error())
		} else if pod.Status.PodIP != "" {
			return pod.Status.PodIP
		}
		time.Sleep(m.cfg.AddressPollInterval)
	}
	return ""
}

func (m *Manager) deletePod(ctx context.Context, namespace, podName string) error {
	return m.client.CoreV1().Pods(namespace).Delete(ctx, podName, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationForeground),
	})
}
