package metrics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/serving-lab/slo-placer/internal/constants"
)

var (
	// Package-level metric collectors
	placementsTotal        *prometheus.CounterVec
	placementFailuresTotal *prometheus.CounterVec
	residualDemand         *prometheus.GaugeVec
	instancesCreatedTotal  *prometheus.CounterVec
	instancesDeletedTotal  *prometheus.CounterVec
	addressTimeoutsTotal   *prometheus.CounterVec
	placementScore         *prometheus.GaugeVec

	// Thread-safe initialization guards
	initOnce sync.Once
	initErr  error
)

const (
	// maxLabelLength is the maximum length for Prometheus label values.
	// Values exceeding this will be truncated to prevent cardinality issues.
	maxLabelLength = 128
	// unknownLabel is used as a fallback for empty label values
	unknownLabel = "unknown"
)

// sanitizeLabel sanitizes a label value to ensure it's valid for Prometheus.
func sanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return unknownLabel
	}
	if len(value) > maxLabelLength {
		return value[:maxLabelLength]
	}
	return value
}

// InitMetrics registers all custom metrics with the provided registry. Uses
// sync.Once so repeated calls are safe; partial registration is not cleaned
// up on failure.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		placementsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.PlacerPlacementsTotal,
				Help: "Total number of accepted placement decisions",
			},
			[]string{constants.LabelFunction, constants.LabelNamespace, constants.LabelPodType},
		)
		placementFailuresTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.PlacerPlacementFailuresTotal,
				Help: "Total number of placement attempts that surfaced an error",
			},
			[]string{constants.LabelFunction, constants.LabelNamespace, constants.LabelReason},
		)
		residualDemand = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: constants.PlacerResidualDemand,
				Help: "Unserved request rate remaining when an admission loop finished",
			},
			[]string{constants.LabelFunction, constants.LabelNamespace},
		)
		instancesCreatedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.PlacerInstancesCreatedTotal,
				Help: "Total number of instances that reached a network address",
			},
			[]string{constants.LabelFunction, constants.LabelNamespace, constants.LabelPodType},
		)
		instancesDeletedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.PlacerInstancesDeletedTotal,
				Help: "Total number of instances torn down",
			},
			[]string{constants.LabelFunction, constants.LabelNamespace},
		)
		addressTimeoutsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.PlacerAddressTimeoutsTotal,
				Help: "Total number of created instances rolled back for missing a network address",
			},
			[]string{constants.LabelFunction, constants.LabelNamespace},
		)
		placementScore = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: constants.PlacerPlacementScore,
				Help: "Winning cost-resource-efficiency score of the most recent placement",
			},
			[]string{constants.LabelFunction, constants.LabelNamespace},
		)

		for name, c := range map[string]prometheus.Collector{
			"placementsTotal":        placementsTotal,
			"placementFailuresTotal": placementFailuresTotal,
			"residualDemand":         residualDemand,
			"instancesCreatedTotal":  instancesCreatedTotal,
			"instancesDeletedTotal":  instancesDeletedTotal,
			"addressTimeoutsTotal":   addressTimeoutsTotal,
			"placementScore":         placementScore,
		} {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("failed to register %s metric: %w", name, err)
				return
			}
		}
	})

	return initErr
}

// RecordPlacement counts one accepted placement and publishes its score.
func RecordPlacement(fn, namespace, podType string, score float64) {
	if placementsTotal == nil {
		return
	}
	fn, namespace = sanitizeLabel(fn), sanitizeLabel(namespace)
	placementsTotal.WithLabelValues(fn, namespace, sanitizeLabel(podType)).Inc()
	placementScore.WithLabelValues(fn, namespace).Set(score)
}

// RecordPlacementFailure counts one failed placement attempt by reason.
func RecordPlacementFailure(fn, namespace, reason string) {
	if placementFailuresTotal == nil {
		return
	}
	placementFailuresTotal.WithLabelValues(sanitizeLabel(fn), sanitizeLabel(namespace), sanitizeLabel(reason)).Inc()
}

// RecordResidualDemand publishes the demand left unserved after a scale-up.
func RecordResidualDemand(fn, namespace string, residual float64) {
	if residualDemand == nil {
		return
	}
	residualDemand.WithLabelValues(sanitizeLabel(fn), sanitizeLabel(namespace)).Set(residual)
}

// RecordInstanceCreated counts one instance that reached an address.
func RecordInstanceCreated(fn, namespace, podType string) {
	if instancesCreatedTotal == nil {
		return
	}
	instancesCreatedTotal.WithLabelValues(sanitizeLabel(fn), sanitizeLabel(namespace), sanitizeLabel(podType)).Inc()
}

// RecordInstanceDeleted counts one instance teardown.
func RecordInstanceDeleted(fn, namespace string) {
	if instancesDeletedTotal == nil {
		return
	}
	instancesDeletedTotal.WithLabelValues(sanitizeLabel(fn), sanitizeLabel(namespace)).Inc()
}

// RecordAddressTimeout counts one rolled-back instance.
func RecordAddressTimeout(fn, namespace string) {
	if addressTimeoutsTotal == nil {
		return
	}
	addressTimeoutsTotal.WithLabelValues(sanitizeLabel(fn), sanitizeLabel(namespace)).Inc()
}
