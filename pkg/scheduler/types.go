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

// Package scheduler defines the boundary to the external workload scheduler that
// assigns build jobs to nodes. We consume it for the demand signal and for
// evictions during drains; we never implement it.
package scheduler

import (
	"context"
	"time"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

// Scheduler is the external scheduler boundary.
type Scheduler interface {
	// ListUnplaceableDemand returns the workloads currently awaiting capacity.
	ListUnplaceableDemand(ctx context.Context) ([]v1alpha1.WorkloadDemand, error)
	// ListWorkloads returns the workloads currently running on the node.
	ListWorkloads(ctx context.Context, nodeID string) ([]v1alpha1.Workload, error)
	// EvictWorkloads requests eviction of everything on the node, honoring each
	// workload's grace period up to gracePeriod. Best effort; some workloads may
	// remain after it returns.
	EvictWorkloads(ctx context.Context, nodeID string, gracePeriod time.Duration) error
}
