package collector

import (
	"sync"
	"time"

	"github.com/serving-lab/slo-placer/internal/logger"
)

// FunctionLoad is one observed demand sample for a served function.
type FunctionLoad struct {
	Function    string
	Namespace   string
	ArrivalRate float64
	LastUpdated time.Time
	// Valid is false when the backing query failed; the stale rate is kept
	// for inspection but must not drive scaling.
	Valid bool
}

// LoadCache caches per-function demand samples so repeated scaling checks
// inside one collection window do not re-query the metrics backend.
type LoadCache struct {
	mu    sync.RWMutex
	loads map[string]*FunctionLoad
	ttl   time.Duration
}

// NewLoadCache builds a cache whose entries expire after ttl. A non-positive
// ttl falls back to 30 seconds.
//
// Expired entries stay in memory until Cleanup runs; Get treats them as
// absent.
func NewLoadCache(ttl time.Duration) *LoadCache {
	if ttl <= 0 {
		logger.Log.Warn("invalid load cache ttl, using default", "provided", ttl, "default", "30s")
		ttl = 30 * time.Second
	}
	return &LoadCache{
		loads: make(map[string]*FunctionLoad),
		ttl:   ttl,
	}
}

func (c *LoadCache) key(fn, namespace string) string {
	return fn + ":" + namespace
}

// Get returns the cached sample for a function if it is fresh and valid.
func (c *LoadCache) Get(fn, namespace string) (*FunctionLoad, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	load, ok := c.loads[c.key(fn, namespace)]
	if !ok {
		return nil, false
	}
	if time.Since(load.LastUpdated) > c.ttl {
		return nil, false
	}
	if !load.Valid {
		return nil, false
	}
	return load, true
}

// Set stores a demand sample, stamping it with the current time.
func (c *LoadCache) Set(fn, namespace string, arrivalRate float64, valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loads[c.key(fn, namespace)] = &FunctionLoad{
		Function:    fn,
		Namespace:   namespace,
		ArrivalRate: arrivalRate,
		LastUpdated: time.Now(),
		Valid:       valid,
	}
}

// Invalidate drops a function's sample, forcing the next Get to miss.
func (c *LoadCache) Invalidate(fn, namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loads, c.key(fn, namespace))
}

// Cleanup removes expired entries and reports how many were dropped.
func (c *LoadCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, load := range c.loads {
		if time.Since(load.LastUpdated) > c.ttl {
			delete(c.loads, key)
			removed++
		}
	}
	return removed
}

// Size reports the number of cached samples, expired ones included.
func (c *LoadCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.loads)
}
