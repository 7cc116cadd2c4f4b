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

// Package scaling runs the periodic control loop that sizes every pool to its
// demand. Each tick classifies the scheduler's unplaceable demand onto pools,
// emits scale intents against the driver, and reconciles DesiredSize to what the
// driver actually confirmed. A cooldown window after every intent prevents
// scale-up/scale-down flapping.
package scaling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/cistack/capacity-controller/pkg/apis/settings"
	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/cloudprovider"
	"github.com/cistack/capacity-controller/pkg/controllers/termination"
	"github.com/cistack/capacity-controller/pkg/events"
	"github.com/cistack/capacity-controller/pkg/metrics"
	"github.com/cistack/capacity-controller/pkg/scheduler"
	"github.com/cistack/capacity-controller/pkg/scheduling"
	"github.com/cistack/capacity-controller/pkg/state"
	"github.com/cistack/capacity-controller/pkg/utils/logging"
	"github.com/cistack/capacity-controller/pkg/utils/pretty"
)

type Controller struct {
	clk           clock.Clock
	cluster       *state.Cluster
	cloudProvider cloudprovider.CloudProvider
	scheduler     scheduler.Scheduler
	terminator    *termination.Terminator
	recorder      events.Recorder
	// cooldowns suppresses further intents per pool after a scaling action;
	// entries expire after the configured cooldown.
	cooldowns *cache.Cache
	cm        *pretty.ChangeMonitor
}

func NewController(clk clock.Clock, cluster *state.Cluster, cloudProvider cloudprovider.CloudProvider,
	sched scheduler.Scheduler, terminator *termination.Terminator, recorder events.Recorder) *Controller {
	return &Controller{
		clk:           clk,
		cluster:       cluster,
		cloudProvider: cloudProvider,
		scheduler:     sched,
		terminator:    terminator,
		recorder:      recorder,
		cooldowns:     cache.New(cache.NoExpiration, 30*time.Second),
		cm:            pretty.NewChangeMonitor(),
	}
}

func (c *Controller) Name() string {
	return "scaling"
}

// Reconcile performs one evaluation tick over every pool. A failure against one
// pool never aborts the others; the loop's whole purpose is to keep reconciling.
func (c *Controller) Reconcile(ctx context.Context) (time.Duration, error) {
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).Named(c.Name()))
	interval := settings.FromContext(ctx).TickInterval

	demand, err := c.scheduler.ListUnplaceableDemand(ctx)
	if err != nil {
		return interval, fmt.Errorf("listing unplaceable demand, %w", err)
	}
	c.cluster.SetUnplaceableDemand(demand)
	metrics.UnplaceableDemandGauge.Set(float64(len(demand)))

	pools := c.cluster.Pools()
	demandByPool := c.classifyDemand(ctx, demand, pools)

	var errs error
	for _, pool := range pools {
		if err := c.reconcilePool(ctx, pool, demandByPool[pool.Name]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconciling pool %q, %w", pool.Name, err))
		}
	}
	return interval, errs
}

// classifyDemand attributes every pending workload to its most preferred
// eligible pool. Demand with no eligible pool stays unplaced and is simply
// carried to the next tick.
func (c *Controller) classifyDemand(ctx context.Context, demand []v1alpha1.WorkloadDemand, pools []*v1alpha1.NodePool) map[string]int {
	policy := scheduling.Policy{AgentsMayUseReserved: settings.FromContext(ctx).AgentsMayUseReserved}
	counts := map[string]int{}
	unplaceable := 0
	for _, d := range demand {
		eligible := policy.Classify(d, pools)
		if len(eligible) == 0 {
			unplaceable++
			continue
		}
		counts[eligible[0].Name]++
	}
	if unplaceable > 0 && c.cm.HasChanged("unplaceable-demand", unplaceable) {
		logging.FromContext(ctx).With("count", unplaceable).
			Debugf("demand has no eligible pool this tick")
	}
	return counts
}

func (c *Controller) reconcilePool(ctx context.Context, pool *v1alpha1.NodePool, unsatisfied int) error {
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("pool", pool.Name))
	if _, inCooldown := c.cooldowns.Get(pool.Name); inCooldown {
		logging.FromContext(ctx).Debugf("pool in cooldown, suppressing evaluation")
		return nil
	}

	// The driver's acknowledgment is authoritative: walk DesiredSize back to the
	// confirmed count so a failed or superseded intent heals without a rollback
	// path.
	confirmed := c.cluster.ProvisionedNodeCount(pool.Name)
	if pool.DesiredSize != confirmed {
		pool.DesiredSize = c.cluster.SetDesiredSize(ctx, pool.Name, confirmed)
	}

	if unsatisfied > 0 {
		return c.scaleUp(ctx, pool, unsatisfied)
	}
	return c.scaleDown(ctx, pool)
}

// scaleUp sizes an intent to cover the unsatisfied demand, bounded by the pool
// maximum and the launch batch cap.
func (c *Controller) scaleUp(ctx context.Context, pool *v1alpha1.NodePool, unsatisfied int) error {
	if pool.DesiredSize >= pool.MaxSize {
		if c.cm.HasChanged(fmt.Sprintf("pool-at-max-%s", pool.Name), unsatisfied) {
			logging.FromContext(ctx).With("unsatisfied", unsatisfied).
				Infof("pool at maximum size, carrying unmet demand to next tick")
		}
		return nil
	}
	delta := pool.Clamp(pool.DesiredSize+unsatisfied) - pool.DesiredSize
	if batch := settings.FromContext(ctx).MaxLaunchBatch; delta > batch {
		delta = batch
	}
	intent := v1alpha1.ScaleIntent{
		Pool:      pool.Name,
		Direction: v1alpha1.ScaleDirectionUp,
		Delta:     delta,
		Reason:    fmt.Sprintf("%d unplaceable workloads", unsatisfied),
	}
	c.issueIntent(ctx, intent)

	// optimistic; reconciled back to the confirmed count next tick if the launch
	// fails or under-fulfills
	c.cluster.SetDesiredSize(ctx, pool.Name, pool.DesiredSize+delta)

	launchCtx, cancel := context.WithTimeout(ctx, settings.FromContext(ctx).DriverTimeout)
	defer cancel()
	nodes, err := c.cloudProvider.Launch(launchCtx, pool, delta)
	if err != nil {
		c.recorder.LaunchFailed(pool.Name, err)
		metrics.LaunchFailuresCounter.WithLabelValues(pool.Name).Inc()
		return fmt.Errorf("launching %d nodes, %w", delta, err)
	}
	for _, node := range nodes {
		c.cluster.AddNode(node)
	}
	if len(nodes) < delta {
		logging.FromContext(ctx).With("requested", delta, "launched", len(nodes)).
			Infof("scale-up partially fulfilled")
	}
	return nil
}

// scaleDown drains the least-recently-busy idle nodes when the pool has been
// mostly idle for long enough, never below the pool minimum.
func (c *Controller) scaleDown(ctx context.Context, pool *v1alpha1.NodePool) error {
	if pool.DesiredSize <= pool.MinSize {
		return nil
	}
	ready := c.cluster.ReadyNodeCount(pool.Name)
	if ready == 0 {
		return nil
	}
	idle := c.idleNodes(ctx, pool.Name)
	if float64(len(idle))/float64(ready) <= settings.FromContext(ctx).IdleThreshold {
		return nil
	}
	victims := lo.Slice(idle, 0, pool.DesiredSize-pool.MinSize)
	if len(victims) == 0 {
		return nil
	}
	intent := v1alpha1.ScaleIntent{
		Pool:      pool.Name,
		Direction: v1alpha1.ScaleDirectionDown,
		Delta:     len(victims),
		Reason:    fmt.Sprintf("%d of %d ready nodes idle", len(idle), ready),
	}
	c.issueIntent(ctx, intent)
	c.cluster.SetDesiredSize(ctx, pool.Name, pool.DesiredSize-len(victims))

	deadline := c.clk.Now().Add(settings.FromContext(ctx).VoluntaryDrainDeadline)
	for _, victim := range victims {
		// drains run for minutes; never block the tick loop on them
		go func() {
			if err := c.terminator.DrainAndTerminate(ctx, victim, deadline, "scale-down"); err != nil {
				logging.FromContext(ctx).With("node", victim.ID).Errorf("scaling down node, %s", err)
			}
		}()
	}
	return nil
}

// idleNodes returns the pool's ready nodes that have been workload-free past the
// idle duration, least recently busy first.
func (c *Controller) idleNodes(ctx context.Context, poolName string) []*v1alpha1.Node {
	idleFor := settings.FromContext(ctx).IdleDuration
	idle := lo.Filter(c.cluster.NodesInPool(poolName), func(n *v1alpha1.Node, _ int) bool {
		return n.State == v1alpha1.NodeStateReady && c.clk.Since(n.LastBusyAt) >= idleFor
	})
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastBusyAt.Before(idle[j].LastBusyAt) })
	return idle
}

func (c *Controller) issueIntent(ctx context.Context, intent v1alpha1.ScaleIntent) {
	logging.FromContext(ctx).With("direction", intent.Direction, "delta", intent.Delta, "reason", intent.Reason).
		Infof("issuing scale intent")
	c.recorder.ScaleIntentIssued(intent)
	metrics.ScaleIntentsCounter.WithLabelValues(intent.Pool, string(intent.Direction)).Inc()
	// entering cooldown immediately; the pool is skipped until the entry expires.
	// A zero cooldown disables suppression entirely; it must never reach the
	// cache, which reads a zero TTL as its default expiration.
	if cooldown := settings.FromContext(ctx).Cooldown; cooldown > 0 {
		c.cooldowns.Set(intent.Pool, intent, cooldown)
	}
}
