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
	"fmt"
)

// CapacityType distinguishes always-on capacity from interruptible capacity.
type CapacityType string

const (
	// CapacityTypeReserved is always-on capacity that the provider never reclaims.
	// It maps to the on-demand market on the instance provider.
	CapacityTypeReserved CapacityType = "reserved"
	// CapacityTypeElastic is interruptible capacity that the provider may reclaim
	// with advance notice. It maps to the spot market on the instance provider.
	CapacityTypeElastic CapacityType = "elastic"
)

// InstanceProfile is one interchangeable compute-size option for a pool. Elastic
// pools carry several profiles to widen spot availability; the launch path walks
// them in order when capacity is unavailable.
type InstanceProfile struct {
	InstanceType   string `toml:"instanceType"`
	Zone           string `toml:"zone"`
	LaunchTemplate string `toml:"launchTemplate"`
}

func (p InstanceProfile) String() string {
	return fmt.Sprintf("%s/%s", p.InstanceType, p.Zone)
}

// NodePool is a logical, homogeneous group of compute capacity. Pools are created
// from static configuration at startup; only the scaling controller mutates
// DesiredSize, and only through the cluster state store.
type NodePool struct {
	Name         string
	CapacityType CapacityType
	// Profiles are ordered by preference and must be non-empty.
	Profiles []InstanceProfile
	MinSize  int
	MaxSize  int
	// DesiredSize is clamped to [MinSize, MaxSize] at all times.
	DesiredSize int
	// PlacementLabel binds workloads to this pool in the placement policy.
	PlacementLabel string
	// Exclusive pools only admit workloads carrying the matching placement label.
	// The build controller runs on an exclusive reserved pool so agent work can
	// never land next to it.
	Exclusive bool
}

// Interruptible returns true if nodes in this pool may be reclaimed by the provider.
func (p *NodePool) Interruptible() bool {
	return p.CapacityType == CapacityTypeElastic
}

// Clamp bounds the given size to the pool's [MinSize, MaxSize] window.
func (p *NodePool) Clamp(size int) int {
	if size < p.MinSize {
		return p.MinSize
	}
	if size > p.MaxSize {
		return p.MaxSize
	}
	return size
}
