// Package runboard stores convoy run records in Redis and publishes every
// run state change.
//
// # Redis Schema
//
// All keys are namespaced by instance name so several convoy instances can
// share one Redis server:
//
//	Runs:       convoy:{instance_name}:run:{run_id}    (hash)
//	Run index:  convoy:{instance_name}:runs            (zset, score = started_at_ms)
//	Run events: convoy:{instance_name}:run_events      (pub/sub, full run JSON)
//
// # Lifecycle
//
// A run is created pending, moves to running once it holds the release
// line, and ends succeeded, failed or superseded. Terminal runs are never
// modified again.
package runboard
