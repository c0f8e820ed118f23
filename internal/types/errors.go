package types

import "errors"

// ErrGpuShareNotSupported rejects GpuShared configurations. GPU core-percent
// sharing is modeled in the data types but the placement and provisioning
// paths do not implement it.
var ErrGpuShareNotSupported = errors.New("gpu core-percent sharing is not supported")
