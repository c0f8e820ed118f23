package scheduler

import (
	"context"
	"math"
	"time"

	"github.com/serving-lab/slo-placer/internal/logger"
	"github.com/serving-lab/slo-placer/internal/registry"
)

// RateSource reports the observed request arrival rate of a function.
type RateSource interface {
	ArrivalRate(ctx context.Context, fn, namespace string) (float64, error)
}

// Target is one function the autoscaler keeps sized to its demand.
type Target struct {
	Function     string
	LatencySLOMs float64
}

// Autoscaler periodically compares each target's observed arrival rate
// against the aggregate capacity of its placed instances and scales up the
// shortfall. Scale-down stays with the operator: instances are only removed
// through explicit ScaleDown calls.
type Autoscaler struct {
	placer    *Scheduler
	rates     RateSource
	funcs     registry.Registry
	namespace string
	targets   []Target
	interval  time.Duration
}

func NewAutoscaler(placer *Scheduler, rates RateSource, funcs registry.Registry, namespace string, targets []Target, interval time.Duration) *Autoscaler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Autoscaler{
		placer:    placer,
		rates:     rates,
		funcs:     funcs,
		namespace: namespace,
		targets:   targets,
		interval:  interval,
	}
}

// Run ticks until the context ends. A failing target is logged and retried
// on the next tick without blocking the others.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	for _, target := range a.targets {
		rate, err := a.rates.ArrivalRate(ctx, target.Function, a.namespace)
		if err != nil {
			logger.Log.Warn("arrival rate unavailable",
				"function", target.Function, "error", err.Error())
			continue
		}
		shortfall := int32(math.Ceil(rate)) - a.placedCapacity(target.Function)
		if shortfall <= 0 {
			continue
		}
		if err := a.placer.ScaleUp(ctx, target.Function, a.namespace, target.LatencySLOMs, shortfall); err != nil {
			logger.Log.Error(err, "demand-driven scale up failed",
				"function", target.Function, "shortfall", shortfall)
		}
	}
}

// placedCapacity sums the max request rate of the function's running
// instances, pre-warmed ones included.
func (a *Autoscaler) placedCapacity(fn string) int32 {
	var total int32
	for _, cfg := range a.funcs.PodConfigs(fn) {
		total += cfg.ReqPerSecondMax
	}
	return total
}
