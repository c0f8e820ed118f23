package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/serving-lab/slo-placer/internal/logger"
)

const (
	// Capacity unit weights of the fungible slot pool: one CPU hyperthread
	// is worth 64 points, one GPU core percent 142.
	CpuThreadUnits      = 64.0
	GpuCorePercentUnits = 142.0

	// profileSuffix marks per-function performance tables inside the profile
	// directory; the function name is the filename with the suffix stripped.
	profileSuffix = "-profile.txt"
	shareFileName = "share.txt"
	alphaFileName = "alpha.txt"
)

// IConfig is one offline-profiled operating point of a function.
type IConfig struct {
	Concurrency int32
	Batch       int32
	CpuThreads  int32
	MemoryMB    float64
	LatencyMs   float64
	CostAlpha   float64
}

// Throughput is the profiled request rate of the point in req/s.
func (c IConfig) Throughput() float64 {
	return 1000 / c.LatencyMs * float64(c.Concurrency) * float64(c.Batch)
}

// Cost weighs CPU threads by the per-function alpha and adds memory.
func (c IConfig) Cost() float64 {
	return float64(c.CpuThreads)*c.CostAlpha + c.MemoryMB
}

// Efficiency is throughput per unit of cost.
func (c IConfig) Efficiency() float64 {
	return c.Throughput() / c.Cost()
}

type latencyKey struct {
	cpuThreads  int32
	concurrency int32
	batch       int32
}

// Store holds the loaded performance and co-location tables for all served
// functions. It is immutable after Load; hot reload swaps whole stores.
type Store struct {
	points    map[string][]IConfig
	latencies map[string]map[latencyKey]float64
	maxEff    map[string]float64
	shareMem  map[string]map[string]float64
	alphas    map[string]float64
}

// Load reads every "<function>-profile.txt" table plus the optional share.txt
// and alpha.txt from dir. Missing or malformed files degrade to empty tables;
// only an unreadable directory is reported as an error by way of an empty
// store with a logged warning.
func Load(dir string) *Store {
	s := &Store{
		points:    make(map[string][]IConfig),
		latencies: make(map[string]map[latencyKey]float64),
		maxEff:    make(map[string]float64),
		shareMem:  make(map[string]map[string]float64),
		alphas:    make(map[string]float64),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Log.Warn("profile directory unreadable, starting with empty tables", "dir", dir, "error", err.Error())
		return s
	}

	s.loadAlphas(filepath.Join(dir, alphaFileName))
	s.loadShareTable(filepath.Join(dir, shareFileName))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), profileSuffix) {
			continue
		}
		fn := strings.TrimSuffix(e.Name(), profileSuffix)
		s.loadFunctionTable(fn, filepath.Join(dir, e.Name()))
	}
	return s
}

// loadAlphas reads optional per-function CPU cost weights. Functions without
// an entry default to alpha 1 so the cost term never degenerates to zero.
func (s *Store) loadAlphas(path string) {
	lines, err := readLines(path)
	if err != nil {
		return
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		alpha, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || alpha <= 0 {
			continue
		}
		s.alphas[fields[0]] = alpha
	}
}

// loadShareTable reads "modelA modelB sharedMemoryMB" records and mirrors
// every pair so lookup order never matters.
func (s *Store) loadShareTable(path string) {
	lines, err := readLines(path)
	if err != nil {
		logger.Log.Warn("co-location share table missing, co-location scoring disabled", "path", path, "error", err.Error())
		return
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			logger.Log.Warn("malformed co-location record, dropping share table", "path", path, "record", line)
			s.shareMem = make(map[string]map[string]float64)
			return
		}
		mem, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			logger.Log.Warn("malformed co-location record, dropping share table", "path", path, "record", line)
			s.shareMem = make(map[string]map[string]float64)
			return
		}
		s.addShare(fields[0], fields[1], mem)
		s.addShare(fields[1], fields[0], mem)
	}
}

func (s *Store) addShare(a, b string, mem float64) {
	if _, ok := s.shareMem[a]; !ok {
		s.shareMem[a] = make(map[string]float64)
	}
	if _, ok := s.shareMem[a][b]; !ok {
		s.shareMem[a][b] = mem
	}
}

// loadFunctionTable parses one performance table. Record shape:
// "<legacy> cpuThreads concurrency batchSize latencyMs memoryMB". A malformed
// or non-positive record drops the whole table for the function.
func (s *Store) loadFunctionTable(fn, path string) {
	lines, err := readLines(path)
	if err != nil {
		logger.Log.Warn("performance table unreadable", "function", fn, "path", path, "error", err.Error())
		return
	}

	alpha := 1.0
	if a, ok := s.alphas[fn]; ok {
		alpha = a
	}

	var points []IConfig
	latencies := make(map[latencyKey]float64)
	maxEff := -1.0
	for _, line := range lines {
		ic, err := parsePoint(line, alpha)
		if err != nil {
			logger.Log.Warn("malformed performance record, dropping table", "function", fn, "record", line, "error", err.Error())
			return
		}
		points = append(points, ic)
		latencies[latencyKey{ic.CpuThreads, ic.Concurrency, ic.Batch}] = ic.LatencyMs

		// Unit-pool efficiency of the point, the normalization base of the
		// placement score.
		eff := ic.Throughput() / (float64(ic.CpuThreads) * CpuThreadUnits)
		if eff > maxEff {
			maxEff = eff
		}
	}
	if len(points) == 0 {
		return
	}

	s.points[fn] = points
	s.latencies[fn] = latencies
	s.maxEff[fn] = maxEff
	logger.Log.Info("loaded performance table",
		"function", fn, "points", len(points), "maxThroughputEfficiency", maxEff)
}

func parsePoint(line string, alpha float64) (IConfig, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return IConfig{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}
	cpu, err1 := strconv.ParseFloat(fields[1], 64)
	conc, err2 := strconv.ParseFloat(fields[2], 64)
	batch, err3 := strconv.ParseFloat(fields[3], 64)
	latency, err4 := strconv.ParseFloat(fields[4], 64)
	memory, err5 := strconv.ParseFloat(fields[5], 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return IConfig{}, err
		}
	}
	if cpu <= 0 || conc <= 0 || batch <= 0 || latency <= 0 || memory <= 0 {
		return IConfig{}, fmt.Errorf("non-positive field in record")
	}
	return IConfig{
		Concurrency: int32(conc),
		Batch:       int32(batch),
		CpuThreads:  int32(cpu),
		MemoryMB:    memory,
		LatencyMs:   latency,
		CostAlpha:   alpha,
	}, nil
}

func readLines(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// ExecTime looks up the profiled latency of an operating point. The second
// return reports whether the point was profiled at all.
func (s *Store) ExecTime(fn string, concurrency, batch, cpuThreads int32) (float64, bool) {
	table, ok := s.latencies[fn]
	if !ok {
		return 0, false
	}
	lat, ok := table[latencyKey{cpuThreads, concurrency, batch}]
	return lat, ok
}

// MaxThroughputEfficiency returns the best unit-pool efficiency any profiled
// point of the function achieves.
func (s *Store) MaxThroughputEfficiency(fn string) (float64, bool) {
	eff, ok := s.maxEff[fn]
	return eff, ok
}

// Configs returns a copy of the function's profiled points.
func (s *Store) Configs(fn string) ([]IConfig, error) {
	points, ok := s.points[fn]
	if !ok {
		return nil, fmt.Errorf("no performance table for function %s", fn)
	}
	out := make([]IConfig, len(points))
	copy(out, points)
	return out, nil
}

// RankedConfigs returns the function's points ordered by descending
// efficiency. Equal-efficiency points keep no particular relative order.
func (s *Store) RankedConfigs(fn string) ([]IConfig, error) {
	points, err := s.Configs(fn)
	if err != nil {
		return nil, err
	}
	Rank(points)
	return points, nil
}

// Rank sorts points in place by descending efficiency.
func Rank(points []IConfig) {
	negEff := make([]float64, len(points))
	for i, p := range points {
		negEff[i] = -p.Efficiency()
	}
	inds := make([]int, len(points))
	floats.Argsort(negEff, inds)

	ranked := make([]IConfig, len(points))
	for i, idx := range inds {
		ranked[i] = points[idx]
	}
	copy(points, ranked)
}

// SharedMemory reports the memory (MB) two functions would share on one
// machine, zero when the pair was never profiled together.
func (s *Store) SharedMemory(a, b string) float64 {
	return s.shareMem[a][b]
}

// ShareTable exposes the symmetric co-location table for machine-share
// scoring.
func (s *Store) ShareTable() map[string]map[string]float64 {
	return s.shareMem
}

// Functions lists every function with a loaded performance table.
func (s *Store) Functions() []string {
	out := make([]string, 0, len(s.points))
	for fn := range s.points {
		out = append(out, fn)
	}
	return out
}
