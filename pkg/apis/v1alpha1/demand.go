/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	"time"
)

// ResourceClass partitions pending work between the build controller and its agents.
type ResourceClass string

const (
	ResourceClassControlPlane ResourceClass = "control-plane"
	ResourceClassBuildAgent   ResourceClass = "build-agent"
)

// WorkloadDemand is a unit of pending work the external scheduler could not place.
type WorkloadDemand struct {
	ID            string
	ResourceClass ResourceClass
	RequestedAt   time.Time
}

// Workload is a unit of work currently running on a node, reported by the external
// scheduler while a node drains.
type Workload struct {
	ID string
	// GracePeriod is the workload's configured shutdown grace, honored by eviction
	// up to the drain budget.
	GracePeriod time.Duration
}
