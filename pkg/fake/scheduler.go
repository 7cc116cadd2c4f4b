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

package fake

import (
	"context"
	"sync"
	"time"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/scheduler"
)

// Eviction is a recorded EvictWorkloads call.
type Eviction struct {
	NodeID      string
	GracePeriod time.Duration
}

// Scheduler is an in-memory stand-in for the external workload scheduler. By
// default an eviction clears the node's workloads; set EvictionsToClear above
// one to make workloads survive that many rounds, or set EvictError to fail the
// call outright.
type Scheduler struct {
	mu        sync.Mutex
	demand    []v1alpha1.WorkloadDemand
	workloads map[string][]v1alpha1.Workload
	evictions map[string]int

	Evictions        AtomicPtrSlice[Eviction]
	EvictionsToClear int
	DemandError      AtomicError
	WorkloadsError   AtomicError
	EvictError       AtomicError
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

func NewScheduler() *Scheduler {
	return &Scheduler{
		workloads: map[string][]v1alpha1.Workload{},
		evictions: map[string]int{},
	}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demand = nil
	s.workloads = map[string][]v1alpha1.Workload{}
	s.evictions = map[string]int{}
	s.EvictionsToClear = 0
	s.Evictions.Reset()
	s.DemandError.Reset()
	s.WorkloadsError.Reset()
	s.EvictError.Reset()
}

func (s *Scheduler) SetDemand(demand ...v1alpha1.WorkloadDemand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demand = demand
}

func (s *Scheduler) SetWorkloads(nodeID string, workloads ...v1alpha1.Workload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workloads[nodeID] = workloads
	s.evictions[nodeID] = 0
}

func (s *Scheduler) ListUnplaceableDemand(context.Context) ([]v1alpha1.WorkloadDemand, error) {
	if err := s.DemandError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1alpha1.WorkloadDemand{}, s.demand...), nil
}

func (s *Scheduler) ListWorkloads(_ context.Context, nodeID string) ([]v1alpha1.Workload, error) {
	if err := s.WorkloadsError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1alpha1.Workload{}, s.workloads[nodeID]...), nil
}

func (s *Scheduler) EvictWorkloads(_ context.Context, nodeID string, gracePeriod time.Duration) error {
	s.Evictions.Add(&Eviction{NodeID: nodeID, GracePeriod: gracePeriod})
	if err := s.EvictError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictions[nodeID]++
	if s.evictions[nodeID] >= s.EvictionsToClear {
		delete(s.workloads, nodeID)
	}
	return nil
}
