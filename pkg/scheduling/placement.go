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

// Package scheduling decides which pools may satisfy a unit of pending work.
package scheduling

import (
	"sort"

	"github.com/samber/lo"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

// Policy maps a workload's resource class to the pools eligible to host it.
// Policy is stateless and safe for concurrent use.
type Policy struct {
	// AgentsMayUseReserved permits build-agent demand to fall back onto
	// non-exclusive reserved pools when no elastic capacity qualifies.
	AgentsMayUseReserved bool
}

// Classify returns the pools eligible for the supplied demand, most preferred
// first. An empty result means the demand is currently unplaceable; it is never
// an error.
func (p Policy) Classify(demand v1alpha1.WorkloadDemand, pools []*v1alpha1.NodePool) []*v1alpha1.NodePool {
	switch demand.ResourceClass {
	case v1alpha1.ResourceClassControlPlane:
		// Control-plane work only ever lands on reserved capacity set aside for it.
		return lo.Filter(pools, func(pool *v1alpha1.NodePool, _ int) bool {
			return pool.Exclusive && pool.CapacityType == v1alpha1.CapacityTypeReserved
		})
	case v1alpha1.ResourceClassBuildAgent:
		eligible := lo.Filter(pools, func(pool *v1alpha1.NodePool, _ int) bool {
			if pool.Exclusive {
				return false
			}
			if pool.DesiredSize >= pool.MaxSize {
				return false
			}
			if pool.CapacityType == v1alpha1.CapacityTypeReserved && !p.AgentsMayUseReserved {
				return false
			}
			return true
		})
		// elastic capacity first, reserved only as a fallback
		sort.SliceStable(eligible, func(i, j int) bool {
			return capacityPreference(eligible[i].CapacityType) < capacityPreference(eligible[j].CapacityType)
		})
		return eligible
	default:
		return nil
	}
}

func capacityPreference(t v1alpha1.CapacityType) int {
	if t == v1alpha1.CapacityTypeElastic {
		return 0
	}
	return 1
}
