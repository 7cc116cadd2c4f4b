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

// Package cloudprovider defines the node pool driver boundary: the cluster or
// cloud API that actually launches and terminates compute. The controllers only
// ever talk to this interface; pkg/providers/instance implements it on EC2 and
// pkg/fake implements it for tests.
package cloudprovider

import (
	"context"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

// CloudProvider launches, lists, and terminates nodes for a pool.
type CloudProvider interface {
	// Launch requests count nodes for the pool, walking the pool's candidate
	// profiles when capacity is unavailable. It returns the nodes it actually
	// launched, which may be fewer than requested; partial fulfillment is not an
	// error. Returned nodes are in Provisioning state.
	Launch(ctx context.Context, pool *v1alpha1.NodePool, count int) ([]*v1alpha1.Node, error)
	// Terminate requests termination of the given node. Terminating a node that
	// no longer exists succeeds.
	Terminate(ctx context.Context, nodeID string) error
	// List returns every node the provider currently tracks for our pools,
	// including ones launched by a previous process.
	List(ctx context.Context) ([]*v1alpha1.Node, error)
}
