package runboard

import "fmt"

// RunKey returns the Redis key for a run record.
// Pattern: convoy:{instance_name}:run:{run_id}
func RunKey(instanceName, runID string) string {
	return fmt.Sprintf("convoy:%s:run:%s", instanceName, runID)
}

// RunIndexKey returns the Redis key of the ZSET ordering runs by start time.
// Pattern: convoy:{instance_name}:runs
func RunIndexKey(instanceName string) string {
	return fmt.Sprintf("convoy:%s:runs", instanceName)
}

// RunEventsChannel returns the Pub/Sub channel for run state changes.
// Pattern: convoy:{instance_name}:run_events
func RunEventsChannel(instanceName string) string {
	return fmt.Sprintf("convoy:%s:run_events", instanceName)
}

// IndexScore converts a start timestamp to a ZSET score.
func IndexScore(startedAtMs int64) float64 {
	return float64(startedAtMs)
}
