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

// NodeState is a point in the node lifecycle. Transitions are strictly monotonic
// in the order declared below; the state store rejects anything else.
type NodeState string

const (
	NodeStateProvisioning NodeState = "Provisioning"
	NodeStateJoining      NodeState = "Joining"
	NodeStateReady        NodeState = "Ready"
	NodeStateDraining     NodeState = "Draining"
	NodeStateTerminating  NodeState = "Terminating"
	NodeStateTerminated   NodeState = "Terminated"
)

var nodeStateOrder = map[NodeState]int{
	NodeStateProvisioning: 0,
	NodeStateJoining:      1,
	NodeStateReady:        2,
	NodeStateDraining:     3,
	NodeStateTerminating:  4,
	NodeStateTerminated:   5,
}

// CanTransition returns true if s may advance to next without moving backwards.
// Skipping forward is allowed since driver callbacks can outrun our own drain
// protocol (e.g. the provider reclaims an instance before we finish draining it).
func (s NodeState) CanTransition(next NodeState) bool {
	from, ok := nodeStateOrder[s]
	if !ok {
		return false
	}
	to, ok := nodeStateOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// Active returns true while the node still counts against pool capacity.
func (s NodeState) Active() bool {
	return s != NodeStateTerminating && s != NodeStateTerminated
}

// Node is one member of a node pool.
type Node struct {
	ID       string
	PoolName string
	State    NodeState
	// Profile is the compute option the node was launched with.
	Profile InstanceProfile
	// Interruptible mirrors the pool's capacity type at launch time.
	Interruptible bool
	// InterruptionDeadline is set only when the provider has signaled impending
	// termination. The node must reach Terminated at or before it.
	InterruptionDeadline *time.Time
	LaunchedAt           time.Time
	// LastBusyAt is the last time the scheduler reported workloads on the node.
	// Idle scale-down picks the least-recently-busy victims.
	LastBusyAt time.Time
}

// DeepCopy returns a copy safe to hand out of the state store.
func (n *Node) DeepCopy() *Node {
	out := *n
	if n.InterruptionDeadline != nil {
		deadline := *n.InterruptionDeadline
		out.InterruptionDeadline = &deadline
	}
	return &out
}
