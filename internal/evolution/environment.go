package evolution

import (
	"fmt"

	"github.com/evoforge/substrate/pkg/models"
)

// ValidateIsolation checks that dev and prod are properly isolated from each
// other. Called at startup; a failure here must stop the process before any
// proposal work begins.
func ValidateIsolation(dev, prod models.Environment) error {
	if dev.DatabasePath == "" || prod.DatabasePath == "" {
		return fmt.Errorf("evolution: both environments require a database_path")
	}
	if dev.StoragePath == "" || prod.StoragePath == "" {
		return fmt.Errorf("evolution: both environments require a storage_path")
	}
	if dev.DatabasePath == prod.DatabasePath {
		return fmt.Errorf("evolution: dev and prod must not share a database_path (%s)", dev.DatabasePath)
	}
	if dev.StoragePath == prod.StoragePath {
		return fmt.Errorf("evolution: dev and prod must not share a storage_path (%s)", dev.StoragePath)
	}
	if shared := sharedPorts(dev.Ports, prod.Ports); len(shared) > 0 {
		return fmt.Errorf("evolution: dev and prod port sets must be disjoint, shared: %v", shared)
	}
	if !isSet(dev.ResourceLimits) || !isSet(prod.ResourceLimits) {
		return fmt.Errorf("evolution: both environments require resource_limits set")
	}
	if !dev.Writable {
		return fmt.Errorf("evolution: dev environment must be writable")
	}
	if prod.Writable {
		return fmt.Errorf("evolution: prod environment must not be writable outside promotion")
	}
	return nil
}

func sharedPorts(a, b []int) []int {
	seen := make(map[int]bool, len(a))
	for _, p := range a {
		seen[p] = true
	}
	var shared []int
	for _, p := range b {
		if seen[p] {
			shared = append(shared, p)
		}
	}
	return shared
}

func isSet(r models.ResourceLimits) bool {
	return r.MaxCPUPercent > 0 || r.MaxMemoryMB > 0 || r.MaxProcesses > 0
}
