// Package constants provides centralized constant definitions for the placer.
package constants

// Output Metrics
// These metric names are used to emit placement and lifecycle metrics to
// Prometheus. They expose every decision path of the scheduler for
// monitoring and alerting.
const (
	// PlacerPlacementsTotal is a counter of accepted placement decisions.
	// Labels: function, namespace, pod_type
	PlacerPlacementsTotal = "slo_placer_placements_total"

	// PlacerPlacementFailuresTotal is a counter of placement attempts that
	// surfaced an error. Labels: function, namespace, reason
	PlacerPlacementFailuresTotal = "slo_placer_placement_failures_total"

	// PlacerResidualDemand is a gauge of the unserved request rate left when
	// an admission loop finished. Labels: function, namespace
	PlacerResidualDemand = "slo_placer_residual_demand_req_per_second"

	// PlacerInstancesCreatedTotal is a counter of instances that reached a
	// network address. Labels: function, namespace, pod_type
	PlacerInstancesCreatedTotal = "slo_placer_instances_created_total"

	// PlacerInstancesDeletedTotal is a counter of instances torn down.
	// Labels: function, namespace
	PlacerInstancesDeletedTotal = "slo_placer_instances_deleted_total"

	// PlacerAddressTimeoutsTotal is a counter of created instances that never
	// reported an address inside the polling budget and were rolled back.
	// Labels: function, namespace
	PlacerAddressTimeoutsTotal = "slo_placer_address_timeouts_total"

	// PlacerPlacementScore is a gauge of the winning CRE score of the most
	// recent placement. Labels: function, namespace
	PlacerPlacementScore = "slo_placer_placement_score"
)

// Metric Label Names
// Common label names used across metrics for consistency.
const (
	LabelFunction  = "function"
	LabelNamespace = "namespace"
	LabelPodType   = "pod_type"
	LabelReason    = "reason"
)

// Failure reason label values.
const (
	ReasonSLOUnreachable     = "slo_unreachable"
	ReasonDemandTooLow       = "demand_too_low"
	ReasonPlacementExhausted = "placement_exhausted"
	ReasonCoreShortfall      = "core_shortfall"
	ReasonProvisioning       = "provisioning_failure"
	ReasonAddressTimeout     = "address_timeout"
	ReasonUnknownFunction    = "unknown_function"
)
