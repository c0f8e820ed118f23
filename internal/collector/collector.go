package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/serving-lab/slo-placer/internal/capacity"
	"github.com/serving-lab/slo-placer/internal/logger"
)

// Query templates against the node exporter, the DCGM GPU exporter and the
// serving gateway. The %q slots take the machine's metricsInstance label,
// except for arrivalRateQuery which takes the function name.
const (
	coreUsageQuery   = `1 - avg by (cpu) (rate(node_cpu_seconds_total{mode="idle",instance=%q}[1m]))`
	gpuCoreQuery     = `avg by (gpu) (DCGM_FI_DEV_GPU_UTIL{instance=%q}) / 100`
	gpuMemQuery      = `avg by (gpu) (DCGM_FI_DEV_FB_USED{instance=%q} / clamp_min(DCGM_FI_DEV_FB_USED{instance=%q} + DCGM_FI_DEV_FB_FREE{instance=%q}, 1))`
	arrivalRateQuery = `sum(rate(gateway_function_invocation_total{function_name=%q}[30s]))`
)

// Collector keeps the capacity registry's usage rates in step with the
// metrics backend and serves per-function demand samples through a TTL
// cache.
type Collector struct {
	promAPI  promv1.API
	caps     *capacity.Store
	loads    *LoadCache
	interval time.Duration
}

// New builds a collector against a Prometheus endpoint. A non-positive
// interval falls back to 30 seconds.
func New(promURL string, caps *capacity.Store, loads *LoadCache, interval time.Duration) (*Collector, error) {
	client, err := api.NewClient(api.Config{Address: promURL})
	if err != nil {
		return nil, fmt.Errorf("building metrics client for %s: %w", promURL, err)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		promAPI:  promv1.NewAPI(client),
		caps:     caps,
		loads:    loads,
		interval: interval,
	}, nil
}

// Run refreshes cluster usage rates until ctx is cancelled. Query failures
// leave the previous rates in place; placement keeps working on slightly
// stale usage rather than stopping.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refreshUsage(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshUsage(ctx)
			c.loads.Cleanup()
		}
	}
}

// ArrivalRate reports the observed request rate of a function, served from
// the cache when a fresh sample exists.
func (c *Collector) ArrivalRate(ctx context.Context, fn, namespace string) (float64, error) {
	if load, ok := c.loads.Get(fn, namespace); ok {
		return load.ArrivalRate, nil
	}

	rate, err := c.queryScalar(ctx, fmt.Sprintf(arrivalRateQuery, fn), "arrival rate")
	if err != nil {
		c.loads.Set(fn, namespace, 0, false)
		return 0, fmt.Errorf("arrival rate of function %s: %w", fn, err)
	}
	c.loads.Set(fn, namespace, rate, true)
	return rate, nil
}

func (c *Collector) refreshUsage(ctx context.Context) {
	nodes := c.caps.ClusterCapConfig().Nodes
	for i := range nodes {
		instance := nodes[i].MetricsInstance
		if instance == "" {
			continue
		}
		c.refreshCores(ctx, i, instance)
		c.refreshGpus(ctx, i, instance)
	}
}

// refreshCores folds per-hyperthread usage into per-core rates. A physical
// core's rate is the mean of its two hyperthreads.
func (c *Collector) refreshCores(ctx context.Context, nodeIndex int, instance string) {
	byCpu, err := c.queryVector(ctx, fmt.Sprintf(coreUsageQuery, instance), "cpu")
	if err != nil {
		logger.Log.Warn("core usage refresh failed, keeping previous rates",
			"node", nodeIndex, "instance", instance, "error", err.Error())
		return
	}

	node := c.caps.ClusterCapConfig().Nodes[nodeIndex]
	for j := range node.Sockets {
		for k := range node.Sockets[j].Cores {
			osCore := node.Sockets[j].Cores[k].CoreIndex
			primary, ok1 := byCpu[fmt.Sprint(osCore)]
			sibling, ok2 := byCpu[fmt.Sprint(osCore+node.HyperThreadOffset)]
			switch {
			case ok1 && ok2:
				c.caps.UpdateCoreUsage(nodeIndex, j, k, (primary+sibling)/2)
			case ok1:
				c.caps.UpdateCoreUsage(nodeIndex, j, k, primary)
			}
		}
	}
}

func (c *Collector) refreshGpus(ctx context.Context, nodeIndex int, instance string) {
	coreByGpu, err := c.queryVector(ctx, fmt.Sprintf(gpuCoreQuery, instance), "gpu")
	if err != nil {
		logger.Log.Warn("gpu core usage refresh failed, keeping previous rates",
			"node", nodeIndex, "instance", instance, "error", err.Error())
		return
	}
	memByGpu, err := c.queryVector(ctx, fmt.Sprintf(gpuMemQuery, instance, instance, instance), "gpu")
	if err != nil {
		logger.Log.Warn("gpu memory usage refresh failed, keeping previous rates",
			"node", nodeIndex, "instance", instance, "error", err.Error())
		return
	}

	node := c.caps.ClusterCapConfig().Nodes[nodeIndex]
	// Slot 0 is the CPU-only placeholder and never carries usage.
	for slot := 1; slot < len(node.Gpus); slot++ {
		key := fmt.Sprint(node.Gpus[slot].CudaDeviceIndex)
		coreRate, ok := coreByGpu[key]
		if !ok {
			continue
		}
		c.caps.UpdateGpuUsage(nodeIndex, slot, coreRate, memByGpu[key])
	}
}

// queryScalar runs an instant query expected to yield a single sample.
func (c *Collector) queryScalar(ctx context.Context, query, what string) (float64, error) {
	val, warn, err := c.promAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("querying %s: %w", what, err)
	}
	if warn != nil {
		logger.Log.Warn("metrics backend warnings", "query", what, "warnings", warn)
	}

	vector, ok := val.(model.Vector)
	if !ok {
		return 0, fmt.Errorf("querying %s: unexpected result type %s", what, val.Type())
	}
	if vector.Len() == 0 {
		return 0, fmt.Errorf("querying %s: empty result", what)
	}
	return float64(vector[0].Value), nil
}

// queryVector runs an instant query and indexes the result by one label.
func (c *Collector) queryVector(ctx context.Context, query, label string) (map[string]float64, error) {
	val, warn, err := c.promAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	if warn != nil {
		logger.Log.Warn("metrics backend warnings", "query", query, "warnings", warn)
	}

	vector, ok := val.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", val.Type())
	}
	out := make(map[string]float64, vector.Len())
	for _, sample := range vector {
		out[string(sample.Metric[model.LabelName(label)])] = float64(sample.Value)
	}
	return out, nil
}
