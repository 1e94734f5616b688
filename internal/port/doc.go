// Package port checks host port availability before berth creates
// containers.
//
// Published host ports are the one resource the engine cannot reserve
// ahead of time: a create succeeds and the failure only surfaces when the
// container starts, after its dependencies have already been brought up.
// Preflight scans every host port a plan is about to publish so that `up`
// can refuse to start instead of failing halfway through.
package port
