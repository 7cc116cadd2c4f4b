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
	"fmt"
	"sync"

	"k8s.io/utils/clock"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/cloudprovider"
)

// CloudProvider is an in-memory node pool driver. Launch creates provisioning
// nodes immediately; List reflects the current set; Terminate removes.
type CloudProvider struct {
	clk clock.Clock

	mu    sync.Mutex
	nodes map[string]*v1alpha1.Node

	LaunchedNodes   AtomicPtrSlice[v1alpha1.Node]
	TerminatedIDs   AtomicPtrSlice[string]
	LaunchError     AtomicError
	TerminateError  AtomicError
	ListError       AtomicError
	LaunchShortfall int // launch this many fewer nodes than requested
}

var _ cloudprovider.CloudProvider = (*CloudProvider)(nil)

func NewCloudProvider(clk clock.Clock) *CloudProvider {
	return &CloudProvider{
		clk:   clk,
		nodes: map[string]*v1alpha1.Node{},
	}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (c *CloudProvider) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = map[string]*v1alpha1.Node{}
	c.LaunchShortfall = 0
	c.LaunchedNodes.Reset()
	c.TerminatedIDs.Reset()
	c.LaunchError.Reset()
	c.TerminateError.Reset()
	c.ListError.Reset()
}

func (c *CloudProvider) Launch(_ context.Context, pool *v1alpha1.NodePool, count int) ([]*v1alpha1.Node, error) {
	if err := c.LaunchError.Get(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LaunchShortfall > 0 {
		count = max(count-c.LaunchShortfall, 0)
	}
	var nodes []*v1alpha1.Node
	for range count {
		node := &v1alpha1.Node{
			ID:            fmt.Sprintf("i-%s", RandomName()),
			PoolName:      pool.Name,
			State:         v1alpha1.NodeStateProvisioning,
			Interruptible: pool.Interruptible(),
			LaunchedAt:    c.clk.Now(),
		}
		if len(pool.Profiles) > 0 {
			node.Profile = pool.Profiles[0]
		}
		c.nodes[node.ID] = node
		c.LaunchedNodes.Add(node)
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (c *CloudProvider) Terminate(_ context.Context, nodeID string) error {
	c.TerminatedIDs.Add(&nodeID)
	if err := c.TerminateError.Get(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, nodeID)
	return nil
}

func (c *CloudProvider) List(context.Context) ([]*v1alpha1.Node, error) {
	if err := c.ListError.Get(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var nodes []*v1alpha1.Node
	for _, node := range c.nodes {
		nodes = append(nodes, node.DeepCopy())
	}
	return nodes, nil
}

// SetNodeState mutates a driver-side node so List reflects provider-observed
// transitions, the way DescribeInstances would.
func (c *CloudProvider) SetNodeState(nodeID string, state v1alpha1.NodeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.nodes[nodeID]; ok {
		node.State = state
	}
}

// AddNode seeds a driver-side node directly, as if launched out of band.
func (c *CloudProvider) AddNode(node *v1alpha1.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[node.ID] = node
}
