package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/serving-lab/slo-placer/internal/capacity"
	"github.com/serving-lab/slo-placer/internal/registry"
	"github.com/serving-lab/slo-placer/internal/types"
)

const testNamespace = "serving"

func deployTemplate() *corev1.Pod {
	threshold := int32(3)
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "resnet-template"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "serving",
				Image: "registry.local/serving/resnet:latest",
				Env: []corev1.EnvVar{
					{Name: "CUDA_VISIBLE_DEVICES", Value: "-1"},
					{Name: "CUDA_MPS_ACTIVE_THREAD_PERCENTAGE", Value: "100"},
					{Name: "GPU_MEM_FRACTION", Value: "0.00"},
					{Name: "BATCH_SIZE", Value: "1"},
					{Name: "BATCH_TIMEOUT", Value: "0"},
					{Name: "MODEL_NAME", Value: "placeholder"},
					{Name: "ENABLE_BATCH", Value: "false"},
					{Name: "BATCH_THREADS", Value: "1"},
				},
				LivenessProbe:  &corev1.Probe{FailureThreshold: threshold},
				ReadinessProbe: &corev1.Probe{FailureThreshold: threshold},
			}},
		},
	}
}

func clusterCap() *types.ClusterCapConfig {
	cores := make([]types.CoreStatus, 8)
	for k := range cores {
		cores[k] = types.CoreStatus{CoreIndex: k}
	}
	return &types.ClusterCapConfig{Nodes: []types.NodeCapacity{{
		NodeLabel:         "kubernetes.io/hostname=worker-0",
		HyperThreadOffset: 8,
		Sockets:           []types.SocketCapacity{{Cores: cores}},
		Gpus:              []types.GpuSlotCapacity{{}, {CudaDeviceIndex: 0, TotalMemoryMB: 16384}},
	}}}
}

func placedConfig() *types.FuncPodConfig {
	return &types.FuncPodConfig{
		BatchSize:       4,
		CpuThreads:      4,
		GpuMemoryRate:   0,
		ExecutionTimeMs: 80,
		BatchTimeoutUs:  120_000,
		Concurrency:     1,
		ReqPerSecondMax: 50,
		ReqPerSecondMin: 33,
		Placement: &types.Allocation{
			NodeIndex:      0,
			SocketIndex:    0,
			GpuSlotIndex:   0,
			CpuCoreIndices: []int{0, 1},
		},
	}
}

type fixture struct {
	manager *Manager
	client  *fake.Clientset
	funcs   *registry.InMemory
	caps    *capacity.Store
}

// assignAddresses makes every created pod report an IP immediately, the way
// a live cluster eventually would.
func assignAddresses(client *fake.Clientset) {
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.PodIP = "10.42.0.17"
		return false, nil, nil
	})
}

func newFixture(t *testing.T, expected, avail int32) *fixture {
	t.Helper()
	caps := capacity.NewStore(clusterCap())
	funcs := registry.NewInMemory(caps)
	funcs.RegisterFunction(&types.FunctionDeployStatus{
		Name:             "resnet",
		ExpectedReplicas: expected,
		AvailReplicas:    avail,
		PodTemplate:      deployTemplate(),
	})

	client := fake.NewSimpleClientset()
	manager := NewManager(client, funcs, caps, nil, Config{
		LockHostPath:        "/srv/serving/locks",
		ModelHostPathRoot:   "/srv/serving/models",
		AddressPollAttempts: 3,
		AddressPollInterval: time.Millisecond,
	})
	return &fixture{manager: manager, client: client, funcs: funcs, caps: caps}
}

func TestCreateInstance(t *testing.T) {
	f := newFixture(t, 0, 0)
	assignAddresses(f.client)
	cfg := placedConfig()

	err := f.manager.CreateInstance(context.Background(), "resnet", testNamespace, cfg, types.PodTypeInstance)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cfg.PodName, "resnet-n0-t4-g0-s0-m0-b4-qx50-qi33-"),
		"pod name must encode the whole decision: %s", cfg.PodName)
	assert.Equal(t, "10.42.0.17", cfg.PodIP)
	assert.Equal(t, types.PodTypeInstance, cfg.PodType)

	pod, getErr := f.client.CoreV1().Pods(testNamespace).Get(context.Background(), cfg.PodName, metav1.GetOptions{})
	require.NoError(t, getErr)

	assert.Equal(t, map[string]string{"kubernetes.io/hostname": "worker-0"}, pod.Spec.NodeSelector)
	assert.Nil(t, pod.Spec.Containers[0].LivenessProbe)
	assert.Nil(t, pod.Spec.Containers[0].ReadinessProbe)

	env := map[string]string{}
	for _, v := range pod.Spec.Containers[0].Env {
		env[v.Name] = v.Value
	}
	assert.Equal(t, "0", env["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, "0", env["CUDA_MPS_ACTIVE_THREAD_PERCENTAGE"])
	assert.Equal(t, "0.00", env["GPU_MEM_FRACTION"])
	assert.Equal(t, "4", env["BATCH_SIZE"])
	assert.Equal(t, "120000", env["BATCH_TIMEOUT"])
	assert.Equal(t, "resnet", env["MODEL_NAME"])
	assert.Equal(t, "true", env["ENABLE_BATCH"])
	assert.Equal(t, "1", env["BATCH_THREADS"])

	hostPaths := map[string]string{}
	for _, vol := range pod.Spec.Volumes {
		require.NotNil(t, vol.HostPath)
		hostPaths[vol.Name] = vol.HostPath.Path
	}
	assert.Equal(t, "/srv/serving/locks", hostPaths["serving-locks"])
	assert.Equal(t, "/srv/serving/models/resnet", hostPaths["serving-models"])

	status := f.funcs.GetFunc("resnet")
	assert.Equal(t, int32(1), status.ExpectedReplicas)
	assert.Equal(t, int32(1), status.AvailReplicas)
	require.Len(t, f.funcs.PodConfigs("resnet"), 1)

	cores := f.caps.ClusterCapConfig().Nodes[0].Sockets[0].Cores
	assert.Equal(t, 1, cores[0].UsedInstances)
	assert.Equal(t, 1, cores[1].UsedInstances)
	assert.Equal(t, 0, cores[2].UsedInstances)
}

func TestCreateInstanceUnbatchedEnv(t *testing.T) {
	f := newFixture(t, 0, 0)
	assignAddresses(f.client)
	cfg := placedConfig()
	cfg.BatchSize = 1
	cfg.BatchTimeoutUs = 0

	require.NoError(t, f.manager.CreateInstance(context.Background(), "resnet", testNamespace, cfg, types.PodTypeInstance))

	pod, err := f.client.CoreV1().Pods(testNamespace).Get(context.Background(), cfg.PodName, metav1.GetOptions{})
	require.NoError(t, err)
	for _, v := range pod.Spec.Containers[0].Env {
		if v.Name == "ENABLE_BATCH" {
			assert.Equal(t, "false", v.Value, "batch size 1 must disable batching")
		}
	}
}

func TestCreateInstancePreWarmSkipsReplicaAccounting(t *testing.T) {
	f := newFixture(t, 0, 0)
	assignAddresses(f.client)
	cfg := placedConfig()

	require.NoError(t, f.manager.CreateInstance(context.Background(), "resnet", testNamespace, cfg, types.PodTypePreWarm))

	status := f.funcs.GetFunc("resnet")
	assert.Equal(t, int32(0), status.ExpectedReplicas)
	assert.Equal(t, int32(0), status.AvailReplicas)
	assert.Len(t, f.funcs.PodConfigs("resnet"), 1, "the instance itself is still recorded")
}

func TestCreateInstanceReplicasOutOfSync(t *testing.T) {
	f := newFixture(t, 2, 1)
	assignAddresses(f.client)

	err := f.manager.CreateInstance(context.Background(), "resnet", testNamespace, placedConfig(), types.PodTypeInstance)
	assert.ErrorIs(t, err, ErrReplicasOutOfSync)

	pods, listErr := f.client.CoreV1().Pods(testNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, listErr)
	assert.Empty(t, pods.Items)
	assert.Equal(t, int32(2), f.funcs.GetFunc("resnet").ExpectedReplicas)
}

func TestCreateInstanceGpuShareRejected(t *testing.T) {
	f := newFixture(t, 0, 0)
	cfg := placedConfig()
	cfg.GpuCorePercent = 50

	err := f.manager.CreateInstance(context.Background(), "resnet", testNamespace, cfg, types.PodTypeInstance)
	assert.ErrorIs(t, err, types.ErrGpuShareNotSupported)
	assert.Equal(t, int32(0), f.funcs.GetFunc("resnet").ExpectedReplicas)
}

func TestCreateInstanceUnknownFunction(t *testing.T) {
	f := newFixture(t, 0, 0)

	err := f.manager.CreateInstance(context.Background(), "bert", testNamespace, placedConfig(), types.PodTypeInstance)
	assert.ErrorIs(t, err, ErrTemplateMissing)
}

func TestCreateInstanceMissingEnvRollsBack(t *testing.T) {
	f := newFixture(t, 0, 0)
	status := f.funcs.GetFunc("resnet")
	status.PodTemplate.Spec.Containers[0].Env = status.PodTemplate.Spec.Containers[0].Env[:4]

	err := f.manager.CreateInstance(context.Background(), "resnet", testNamespace, placedConfig(), types.PodTypeInstance)
	require.Error(t, err)
	assert.Equal(t, int32(0), f.funcs.GetFunc("resnet").ExpectedReplicas,
		"a rejected template must not leave expected replicas inflated")
	assert.Empty(t, f.funcs.PodConfigs("resnet"))
}

func TestCreateInstanceAddressTimeout(t *testing.T) {
	// No address reactor: the pod never reports an IP.
	f := newFixture(t, 0, 0)
	cfg := placedConfig()

	err := f.manager.CreateInstance(context.Background(), "resnet", testNamespace, cfg, types.PodTypeInstance)
	assert.ErrorIs(t, err, ErrAddressTimeout)

	pods, listErr := f.client.CoreV1().Pods(testNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, listErr)
	assert.Empty(t, pods.Items, "an instance that never addressed must be torn down")

	status := f.funcs.GetFunc("resnet")
	assert.Equal(t, int32(0), status.ExpectedReplicas, "expected replicas must reconcile back down")
	assert.Equal(t, int32(0), status.AvailReplicas)
	assert.Empty(t, f.funcs.PodConfigs("resnet"))

	cores := f.caps.ClusterCapConfig().Nodes[0].Sockets[0].Cores
	assert.Equal(t, 0, cores[0].UsedInstances, "no capacity may stay committed after rollback")
}

func TestDeleteInstances(t *testing.T) {
	f := newFixture(t, 0, 0)
	assignAddresses(f.client)

	first := placedConfig()
	second := placedConfig()
	second.Placement.CpuCoreIndices = []int{2, 3}
	require.NoError(t, f.manager.CreateInstance(context.Background(), "resnet", testNamespace, first, types.PodTypeInstance))
	require.NoError(t, f.manager.CreateInstance(context.Background(), "resnet", testNamespace, second, types.PodTypeInstance))

	require.NoError(t, f.manager.DeleteInstances(context.Background(), "resnet", testNamespace,
		[]*types.FuncPodConfig{first, second}))

	status := f.funcs.GetFunc("resnet")
	assert.Equal(t, int32(0), status.ExpectedReplicas)
	assert.Equal(t, int32(0), status.AvailReplicas)
	assert.Empty(t, f.funcs.PodConfigs("resnet"))

	cores := f.caps.ClusterCapConfig().Nodes[0].Sockets[0].Cores
	for k := 0; k < 4; k++ {
		assert.Equal(t, 0, cores[k].UsedInstances)
	}

	_, err := f.client.CoreV1().Pods(testNamespace).Get(context.Background(), first.PodName, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestDeleteInstancesFailureHaltsBatch(t *testing.T) {
	f := newFixture(t, 0, 0)
	assignAddresses(f.client)

	existing := placedConfig()
	require.NoError(t, f.manager.CreateInstance(context.Background(), "resnet", testNamespace, existing, types.PodTypeInstance))

	ghost := placedConfig()
	ghost.PodName = "resnet-never-created"

	err := f.manager.DeleteInstances(context.Background(), "resnet", testNamespace,
		[]*types.FuncPodConfig{ghost, existing})
	require.Error(t, err)

	status := f.funcs.GetFunc("resnet")
	assert.Equal(t, int32(1), status.ExpectedReplicas, "a failed delete must restore the counter")
	assert.Equal(t, int32(1), status.AvailReplicas)
	assert.Len(t, f.funcs.PodConfigs("resnet"), 1, "instances after the failure stay untouched")

	_, getErr := f.client.CoreV1().Pods(testNamespace).Get(context.Background(), existing.PodName, metav1.GetOptions{})
	assert.NoError(t, getErr)
}

func TestSeedFunction(t *testing.T) {
	f := newFixture(t, 0, 0)
	template := deployTemplate()
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "bert", Namespace: testNamespace},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: template.ObjectMeta,
				Spec:       template.Spec,
			},
		},
	}
	_, err := f.client.AppsV1().Deployments(testNamespace).Create(context.Background(), dep, metav1.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.SeedFunction(context.Background(), "bert", testNamespace))
	status := f.funcs.GetFunc("bert")
	require.NotNil(t, status)
	require.NotNil(t, status.PodTemplate)
	assert.Equal(t, "serving", status.PodTemplate.Spec.Containers[0].Name)
	assert.Len(t, status.PodTemplate.Spec.Containers[0].Env, 8)
	assert.Zero(t, status.ExpectedReplicas)
}

func TestSeedFunctionMissingDeployment(t *testing.T) {
	f := newFixture(t, 0, 0)
	err := f.manager.SeedFunction(context.Background(), "ghost", testNamespace)
	assert.Error(t, err)
	assert.Nil(t, f.funcs.GetFunc("ghost"))
}
