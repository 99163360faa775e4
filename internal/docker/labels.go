package docker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Label keys used for convoy build containers
const (
	LabelProject      = "convoy.project"
	LabelInstanceName = "convoy.instance.name"
	LabelRunID        = "convoy.run.id"
	LabelPlatform     = "convoy.platform"
	LabelComponent    = "convoy.component"
)

// BuildLabels creates the standard label set for convoy containers.
// All parameters are required except component (which is resource-specific).
func BuildLabels(instanceName, runID, platform, component string) map[string]string {
	labels := map[string]string{
		LabelProject:      "true",
		LabelInstanceName: instanceName,
		LabelRunID:        runID,
		LabelPlatform:     platform,
	}

	if component != "" {
		labels[LabelComponent] = component
	}

	return labels
}

// GenerateRunID creates a new UUID for a pipeline run.
func GenerateRunID() string {
	return uuid.New().String()
}

// BuilderContainerName returns the container name for one platform build of a run.
// Pattern: convoy-build-{instance}-{run-short-id}-{triple}
func BuilderContainerName(instanceName, runID, triple string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return sanitizeName(fmt.Sprintf("convoy-build-%s-%s-%s", instanceName, short, triple))
}

// sanitizeName keeps only characters Docker accepts in container names.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// LabelHostPort records the host port a dev-stack service is published on
const LabelHostPort = "convoy.host.port"

// NetworkName returns the Docker network name for an instance's dev stack
func NetworkName(instanceName string) string {
	return sanitizeName(fmt.Sprintf("convoy-network-%s", instanceName))
}

// ServiceContainerName returns the container name of a dev-stack service,
// e.g. convoy-redis-default
func ServiceContainerName(instanceName, component string) string {
	return sanitizeName(fmt.Sprintf("convoy-%s-%s", component, instanceName))
}
