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

// Package state maintains the capacity model: the pools, their member nodes, and
// the demand snapshot the controllers act on. It is the only mutable state shared
// between the scaling controller and the interruption handler; all node mutation
// funnels through ApplyNodeStateChange so concurrent reports from the driver and
// the drain path cannot race on the same node.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/utils/logging"
)

// Cluster tracks pool and node state. Accessors hand out copies; nothing returned
// from this store aliases internal state.
type Cluster struct {
	clk clock.Clock

	mu     sync.RWMutex
	pools  map[string]*v1alpha1.NodePool
	nodes  map[string]*v1alpha1.Node
	demand map[string]v1alpha1.WorkloadDemand
}

func NewCluster(clk clock.Clock, pools []*v1alpha1.NodePool) *Cluster {
	c := &Cluster{
		clk:    clk,
		pools:  map[string]*v1alpha1.NodePool{},
		nodes:  map[string]*v1alpha1.Node{},
		demand: map[string]v1alpha1.WorkloadDemand{},
	}
	for _, pool := range pools {
		p := *pool
		c.pools[p.Name] = &p
	}
	return c
}

// Pools returns a copy of every pool, ordered by name for deterministic iteration.
func (c *Cluster) Pools() []*v1alpha1.NodePool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pools := lo.Map(lo.Values(c.pools), func(p *v1alpha1.NodePool, _ int) *v1alpha1.NodePool {
		cp := *p
		return &cp
	})
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	return pools
}

func (c *Cluster) Pool(name string) (*v1alpha1.NodePool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pool, ok := c.pools[name]
	if !ok {
		return nil, false
	}
	cp := *pool
	return &cp, true
}

// SetDesiredSize records the new desired size for a pool, clamping defensively to
// the pool's bounds. A computed size outside the bounds is a programming error;
// it is logged and never propagated to the driver. Returns the applied value.
func (c *Cluster) SetDesiredSize(ctx context.Context, poolName string, size int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool, ok := c.pools[poolName]
	if !ok {
		return 0
	}
	clamped := pool.Clamp(size)
	if clamped != size {
		logging.FromContext(ctx).With("pool", poolName, "computed", size, "clamped", clamped).
			Errorf("desired size outside pool bounds, clamping")
	}
	pool.DesiredSize = clamped
	return clamped
}

// AddNode registers a node reported by the driver. Adding an id that is already
// tracked is a no-op so duplicate join callbacks are harmless.
func (c *Cluster) AddNode(node *v1alpha1.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[node.ID]; ok {
		return
	}
	n := node.DeepCopy()
	if n.LastBusyAt.IsZero() {
		n.LastBusyAt = c.clk.Now()
	}
	c.nodes[n.ID] = n
}

// ApplyNodeStateChange is the single reconciliation entry point for node state.
// Unknown ids are stale or duplicate events and are ignored. Transitions that do
// not advance the lifecycle are rejected, which keeps the observed sequence of
// states for every node monotonic no matter how driver callbacks and the drain
// path interleave. A node reaching Terminated is removed from the model.
func (c *Cluster) ApplyNodeStateChange(ctx context.Context, nodeID string, state v1alpha1.NodeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		logging.FromContext(ctx).With("node", nodeID, "state", state).
			Debugf("ignoring state change for unknown node")
		return
	}
	if !node.State.CanTransition(state) {
		logging.FromContext(ctx).With("node", nodeID, "from", node.State, "to", state).
			Debugf("ignoring non-monotonic state change")
		return
	}
	node.State = state
	if state == v1alpha1.NodeStateTerminated {
		delete(c.nodes, nodeID)
	}
}

// MarkForTermination idempotently moves a node into Draining and records its
// termination deadline. It returns true only for the caller that performed the
// transition, so the interruption and scale-down paths can both fire for the same
// node without double-draining it. An already-set earlier deadline is kept.
func (c *Cluster) MarkForTermination(ctx context.Context, nodeID string, deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		return false
	}
	if !node.State.CanTransition(v1alpha1.NodeStateDraining) {
		// already draining or further along
		if node.InterruptionDeadline == nil || deadline.Before(*node.InterruptionDeadline) {
			node.InterruptionDeadline = &deadline
		}
		return false
	}
	node.State = v1alpha1.NodeStateDraining
	node.InterruptionDeadline = &deadline
	logging.FromContext(ctx).With("node", nodeID, "deadline", deadline).Infof("marked node for termination")
	return true
}

// TouchBusy records that the scheduler observed workloads on the node.
func (c *Cluster) TouchBusy(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.nodes[nodeID]; ok {
		node.LastBusyAt = c.clk.Now()
	}
}

func (c *Cluster) Node(nodeID string) (*v1alpha1.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return node.DeepCopy(), true
}

// Nodes returns a copy of every tracked node, ordered by id.
func (c *Cluster) Nodes() []*v1alpha1.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := lo.Map(lo.Values(c.nodes), func(n *v1alpha1.Node, _ int) *v1alpha1.Node { return n.DeepCopy() })
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// NodesInPool returns a copy of the pool's nodes, ordered by id.
func (c *Cluster) NodesInPool(poolName string) []*v1alpha1.Node {
	return lo.Filter(c.Nodes(), func(n *v1alpha1.Node, _ int) bool { return n.PoolName == poolName })
}

// ActiveNodeCount counts the pool's nodes that still consume capacity, i.e.
// everything not yet handed to the driver for termination. This is the
// driver-confirmed size the scaling controller reconciles DesiredSize against.
func (c *Cluster) ActiveNodeCount(poolName string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.CountBy(lo.Values(c.nodes), func(n *v1alpha1.Node) bool {
		return n.PoolName == poolName && n.State.Active()
	})
}

// ProvisionedNodeCount counts the pool's nodes on their way up or serving, which
// is the driver-confirmed size DesiredSize reconciles against. Draining nodes are
// excluded: they still exist but are already paid out of DesiredSize.
func (c *Cluster) ProvisionedNodeCount(poolName string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.CountBy(lo.Values(c.nodes), func(n *v1alpha1.Node) bool {
		return n.PoolName == poolName &&
			(n.State == v1alpha1.NodeStateProvisioning || n.State == v1alpha1.NodeStateJoining || n.State == v1alpha1.NodeStateReady)
	})
}

// ReadyNodeCount counts the pool's nodes currently eligible for placement.
func (c *Cluster) ReadyNodeCount(poolName string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.CountBy(lo.Values(c.nodes), func(n *v1alpha1.Node) bool {
		return n.PoolName == poolName && n.State == v1alpha1.NodeStateReady
	})
}

// SetUnplaceableDemand replaces the demand snapshot with the scheduler's latest
// report. Demand that placed or was withdrawn since the last tick drops out here.
func (c *Cluster) SetUnplaceableDemand(demand []v1alpha1.WorkloadDemand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demand = lo.SliceToMap(demand, func(d v1alpha1.WorkloadDemand) (string, v1alpha1.WorkloadDemand) {
		return d.ID, d
	})
}

// UnplaceableDemand returns the current demand snapshot ordered by request time.
func (c *Cluster) UnplaceableDemand() []v1alpha1.WorkloadDemand {
	c.mu.RLock()
	defer c.mu.RUnlock()
	demand := lo.Values(c.demand)
	sort.Slice(demand, func(i, j int) bool { return demand[i].RequestedAt.Before(demand[j].RequestedAt) })
	return demand
}
