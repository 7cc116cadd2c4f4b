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

package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

// NodePoolOptions customizes a NodePool.
type NodePoolOptions struct {
	Name           string
	CapacityType   v1alpha1.CapacityType
	Profiles       []v1alpha1.InstanceProfile
	MinSize        int
	MaxSize        int
	DesiredSize    int
	PlacementLabel string
	Exclusive      bool
}

// NodePool creates a test pool with defaults that can be overridden by
// NodePoolOptions. Overrides are applied in order, with a last write wins
// semantic.
func NodePool(overrides ...NodePoolOptions) *v1alpha1.NodePool {
	options := NodePoolOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge pool options: %s", err.Error()))
		}
	}
	if options.Name == "" {
		options.Name = strings.ToLower(randomdata.SillyName())
	}
	if options.CapacityType == "" {
		options.CapacityType = v1alpha1.CapacityTypeElastic
	}
	if options.MaxSize == 0 {
		options.MaxSize = 10
	}
	if options.Profiles == nil {
		options.Profiles = []v1alpha1.InstanceProfile{
			{InstanceType: "m5.large", Zone: "us-east-1a", LaunchTemplate: "agents"},
			{InstanceType: "m5.xlarge", Zone: "us-east-1a", LaunchTemplate: "agents"},
		}
	}
	if options.PlacementLabel == "" {
		options.PlacementLabel = fmt.Sprintf("pool/%s", options.Name)
	}
	return &v1alpha1.NodePool{
		Name:           options.Name,
		CapacityType:   options.CapacityType,
		Profiles:       options.Profiles,
		MinSize:        options.MinSize,
		MaxSize:        options.MaxSize,
		DesiredSize:    options.DesiredSize,
		PlacementLabel: options.PlacementLabel,
		Exclusive:      options.Exclusive,
	}
}

// NodeOptions customizes a Node.
type NodeOptions struct {
	ID            string
	PoolName      string
	State         v1alpha1.NodeState
	Profile       v1alpha1.InstanceProfile
	Interruptible bool
	LaunchedAt    time.Time
	LastBusyAt    time.Time
}

// Node creates a test node with defaults that can be overridden by NodeOptions.
func Node(overrides ...NodeOptions) *v1alpha1.Node {
	options := NodeOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge node options: %s", err.Error()))
		}
	}
	if options.ID == "" {
		options.ID = fmt.Sprintf("i-%s", uuid.NewString()[:17])
	}
	if options.State == "" {
		options.State = v1alpha1.NodeStateReady
	}
	if options.Profile.InstanceType == "" {
		options.Profile = v1alpha1.InstanceProfile{InstanceType: "m5.large", Zone: "us-east-1a", LaunchTemplate: "agents"}
	}
	return &v1alpha1.Node{
		ID:            options.ID,
		PoolName:      options.PoolName,
		State:         options.State,
		Profile:       options.Profile,
		Interruptible: options.Interruptible,
		LaunchedAt:    options.LaunchedAt,
		LastBusyAt:    options.LastBusyAt,
	}
}

// Demand creates build-agent demand entries.
func Demand(count int, class v1alpha1.ResourceClass) []v1alpha1.WorkloadDemand {
	demand := make([]v1alpha1.WorkloadDemand, 0, count)
	for i := 0; i < count; i++ {
		demand = append(demand, v1alpha1.WorkloadDemand{
			ID:            uuid.NewString(),
			ResourceClass: class,
			RequestedAt:   time.Now(),
		})
	}
	return demand
}

// Workload creates a running workload with the given grace period.
func Workload(gracePeriod time.Duration) v1alpha1.Workload {
	return v1alpha1.Workload{
		ID:          uuid.NewString(),
		GracePeriod: gracePeriod,
	}
}
