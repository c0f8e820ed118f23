package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/serving-lab/slo-placer/internal/capacity"
	"github.com/serving-lab/slo-placer/internal/collector"
	"github.com/serving-lab/slo-placer/internal/config"
	"github.com/serving-lab/slo-placer/internal/estimator"
	"github.com/serving-lab/slo-placer/internal/lifecycle"
	"github.com/serving-lab/slo-placer/internal/logger"
	"github.com/serving-lab/slo-placer/internal/metrics"
	"github.com/serving-lab/slo-placer/internal/profile"
	"github.com/serving-lab/slo-placer/internal/registry"
	"github.com/serving-lab/slo-placer/internal/scheduler"
)

var (
	// Version of the slo-placer, injected at build time.
	Version = "edge"

	showVersion = pflag.Bool("version", false, "Print the version and exit.")
	configPath  = pflag.StringP("config", "c", envOr("SLO_PLACER_CONFIG", ""), "Path to the placer config file.")
	kubeconfig  = pflag.String("kubeconfig", envOr("KUBECONFIG", ""), "Path to a kubeconfig; in-cluster config is used when empty.")
)

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	pflag.Parse()
	if *showVersion {
		os.Stdout.WriteString("slo-placer " + Version + "\n")
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Error(err, "failed to load configuration", "path", *configPath)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	defer logger.Log.Sync()
	logger.Log.Info("slo-placer starting", "version", Version, "namespace", cfg.Namespace)

	registryProm := prometheus.NewRegistry()
	registryProm.MustRegister(collectors.NewGoCollector())
	if err := metrics.InitMetrics(registryProm); err != nil {
		logger.Log.Error(err, "failed to register metrics")
		os.Exit(1)
	}

	capCfg, err := capacity.LoadFile(cfg.CapacityFile)
	if err != nil {
		logger.Log.Error(err, "failed to load cluster capacity", "path", cfg.CapacityFile)
		os.Exit(1)
	}
	caps := capacity.NewStore(capCfg)

	watcher, err := profile.NewWatcher(cfg.ProfileDir)
	if err != nil {
		logger.Log.Error(err, "failed to watch profile directory", "dir", cfg.ProfileDir)
		os.Exit(1)
	}
	defer watcher.Close()

	client, err := buildClient(*kubeconfig)
	if err != nil {
		logger.Log.Error(err, "failed to build cluster client")
		os.Exit(1)
	}

	funcs := registry.NewInMemory(caps)
	manager := lifecycle.NewManager(client, funcs, caps, nil, lifecycle.Config{
		LockHostPath:        cfg.LockHostPath,
		ModelHostPathRoot:   cfg.ModelHostPathRoot,
		AddressPollAttempts: cfg.AddressPollAttempts,
		AddressPollInterval: cfg.AddressPollInterval,
	})
	placer := scheduler.New(watcher, estimator.New(watcher), funcs, caps, manager)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watcher.Run(ctx)

	for _, fn := range managedFunctions(cfg) {
		if err := manager.SeedFunction(ctx, fn, cfg.Namespace); err != nil {
			logger.Log.Error(err, "failed to register function", "function", fn)
		}
	}

	if cfg.Prometheus.URL != "" {
		usage, err := collector.New(cfg.Prometheus.URL, caps,
			collector.NewLoadCache(cfg.Prometheus.LoadCacheTTL), cfg.Prometheus.ScrapeInterval)
		if err != nil {
			logger.Log.Error(err, "failed to build usage collector", "url", cfg.Prometheus.URL)
			os.Exit(1)
		}
		go usage.Run(ctx)

		if len(cfg.Functions) > 0 {
			targets := make([]scheduler.Target, 0, len(cfg.Functions))
			for _, rule := range cfg.Functions {
				targets = append(targets, scheduler.Target{Function: rule.Function, LatencySLOMs: rule.LatencySLOMs})
			}
			go scheduler.NewAutoscaler(placer, usage, funcs, cfg.Namespace,
				targets, cfg.Prometheus.ScrapeInterval).Run(ctx)
		}
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, registryProm)
	}

	for _, rule := range cfg.PreWarm {
		if err := placer.PreWarm(ctx, rule.Function, cfg.Namespace, rule.LatencySLOMs, rule.BatchSize); err != nil {
			logger.Log.Error(err, "pre-warm failed",
				"function", rule.Function, "batch", rule.BatchSize, "sloMs", rule.LatencySLOMs)
		}
	}

	logger.Log.Info("slo-placer ready",
		"profileDir", cfg.ProfileDir, "functions", len(watcher.Store().Functions()))
	<-ctx.Done()
	logger.Log.Info("slo-placer shutting down")
}

// managedFunctions lists every function named in the config, autoscaled and
// pre-warmed alike, without duplicates.
func managedFunctions(cfg *config.Config) []string {
	seen := map[string]bool{}
	var out []string
	for _, rule := range cfg.Functions {
		if !seen[rule.Function] {
			seen[rule.Function] = true
			out = append(out, rule.Function)
		}
	}
	for _, rule := range cfg.PreWarm {
		if !seen[rule.Function] {
			seen[rule.Function] = true
			out = append(out, rule.Function)
		}
	}
	return out
}

func buildClient(kubeconfigPath string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Error(err, "metrics endpoint failed", "addr", addr)
	}
}
