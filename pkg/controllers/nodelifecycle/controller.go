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

// Package nodelifecycle reconciles the capacity model against what the driver
// actually tracks: new instances join the model, instances the driver no longer
// reports are confirmed terminated. All updates flow through the state store's
// single reconciliation entry point, so replayed or stale driver reports are
// harmless no-ops.
package nodelifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/cistack/capacity-controller/pkg/apis/settings"
	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/cloudprovider"
	"github.com/cistack/capacity-controller/pkg/events"
	"github.com/cistack/capacity-controller/pkg/metrics"
	"github.com/cistack/capacity-controller/pkg/scheduler"
	"github.com/cistack/capacity-controller/pkg/state"
	"github.com/cistack/capacity-controller/pkg/utils/logging"
)

// launchGracePeriod is how long a freshly launched node may be absent from the
// driver's listing before we treat the absence as termination. Listings are
// eventually consistent right after launch.
const launchGracePeriod = 2 * time.Minute

type Controller struct {
	clk           clock.Clock
	cluster       *state.Cluster
	cloudProvider cloudprovider.CloudProvider
	scheduler     scheduler.Scheduler
	recorder      events.Recorder
}

func NewController(clk clock.Clock, cluster *state.Cluster, cloudProvider cloudprovider.CloudProvider,
	sched scheduler.Scheduler, recorder events.Recorder) *Controller {
	return &Controller{
		clk:           clk,
		cluster:       cluster,
		cloudProvider: cloudProvider,
		scheduler:     sched,
		recorder:      recorder,
	}
}

func (c *Controller) Name() string {
	return "nodelifecycle"
}

func (c *Controller) Reconcile(ctx context.Context) (time.Duration, error) {
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).Named(c.Name()))
	interval := settings.FromContext(ctx).TickInterval

	driverNodes, err := c.cloudProvider.List(ctx)
	if err != nil {
		return interval, fmt.Errorf("listing driver nodes, %w", err)
	}
	driverByID := lo.SliceToMap(driverNodes, func(n *v1alpha1.Node) (string, *v1alpha1.Node) { return n.ID, n })

	c.reconcileJoins(ctx, driverByID)
	c.reconcileTerminations(ctx, driverByID)
	errs := c.sweepBusy(ctx)
	c.publishGauges()
	return interval, errs
}

// reconcileJoins adds newly reported instances to the model and advances the
// state of tracked ones. Monotonicity is enforced downstream, so a driver report
// that lags our own drain protocol cannot move a node backwards.
func (c *Controller) reconcileJoins(ctx context.Context, driverByID map[string]*v1alpha1.Node) {
	for id, driverNode := range driverByID {
		if driverNode.PoolName == "" {
			// tagged by us but unattributable, likely mid-provisioning
			continue
		}
		if _, ok := c.cluster.Node(id); !ok {
			c.cluster.AddNode(driverNode)
			c.recorder.NodeJoined(driverNode)
			continue
		}
		c.cluster.ApplyNodeStateChange(ctx, id, driverNode.State)
	}
}

// reconcileTerminations confirms termination for nodes the driver has stopped
// reporting. Nodes inside the launch grace window are left alone.
func (c *Controller) reconcileTerminations(ctx context.Context, driverByID map[string]*v1alpha1.Node) {
	for _, node := range c.cluster.Nodes() {
		if _, ok := driverByID[node.ID]; ok {
			continue
		}
		if c.clk.Since(node.LaunchedAt) < launchGracePeriod {
			continue
		}
		c.cluster.ApplyNodeStateChange(ctx, node.ID, v1alpha1.NodeStateTerminated)
		c.recorder.NodeTerminated(node.ID)
	}
}

// sweepBusy refreshes each ready node's last-busy timestamp from the scheduler
// so idle scale-down picks genuinely cold nodes.
func (c *Controller) sweepBusy(ctx context.Context) (errs error) {
	for _, node := range c.cluster.Nodes() {
		if node.State != v1alpha1.NodeStateReady {
			continue
		}
		workloads, err := c.scheduler.ListWorkloads(ctx, node.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listing workloads on node %s, %w", node.ID, err))
			continue
		}
		if len(workloads) > 0 {
			c.cluster.TouchBusy(node.ID)
		}
	}
	return errs
}

func (c *Controller) publishGauges() {
	for _, pool := range c.cluster.Pools() {
		metrics.DesiredSizeGauge.WithLabelValues(pool.Name).Set(float64(pool.DesiredSize))
		metrics.ReadyNodesGauge.WithLabelValues(pool.Name).Set(float64(c.cluster.ReadyNodeCount(pool.Name)))
	}
}
