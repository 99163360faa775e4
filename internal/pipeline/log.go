package pipeline

import (
	"encoding/json"
	"log"
	"time"
)

// logEvent writes one structured JSON log line.
func (o *Orchestrator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	if eventType == "run_failed" {
		data["level"] = "error"
	}
	data["component"] = "pipeline"
	data["event_type"] = eventType
	data["instance"] = o.d.InstanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Pipeline] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
