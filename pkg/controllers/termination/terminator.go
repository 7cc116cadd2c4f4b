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

// Package termination drives nodes through the drain protocol: evict what is
// running, bounded by the node's termination deadline, then hand the node to the
// driver. Both the interruption handler and voluntary scale-down terminate nodes
// through this path, guarded by the state store's idempotent mark-for-termination
// so concurrent callers never double-drain or double-terminate a node.
package termination

import (
	"context"
	"errors"
	"fmt"
	"time"

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

const evictionPollInterval = 5 * time.Second

// ResidualWorkloadsError reports that the drain bound elapsed with workloads
// still on the node. This is the accepted cost of interruptible capacity, not a
// fault; the node is force-terminated regardless.
type ResidualWorkloadsError struct {
	NodeID string
	Count  int
}

func (e *ResidualWorkloadsError) Error() string {
	return fmt.Sprintf("drain bound reached on node %s with %d workloads remaining", e.NodeID, e.Count)
}

func IsResidualWorkloads(err error) bool {
	var residualErr *ResidualWorkloadsError
	return errors.As(err, &residualErr)
}

type Terminator struct {
	clk           clock.Clock
	cluster       *state.Cluster
	cloudProvider cloudprovider.CloudProvider
	scheduler     scheduler.Scheduler
	recorder      events.Recorder
}

func NewTerminator(clk clock.Clock, cluster *state.Cluster, cloudProvider cloudprovider.CloudProvider,
	sched scheduler.Scheduler, recorder events.Recorder) *Terminator {
	return &Terminator{
		clk:           clk,
		cluster:       cluster,
		cloudProvider: cloudProvider,
		scheduler:     sched,
		recorder:      recorder,
	}
}

// DrainAndTerminate runs the full drain protocol against the node and then
// terminates it. The deadline is the latest moment the node may still exist;
// draining stops a safety margin earlier. Returns immediately if another caller
// already marked the node for termination.
func (t *Terminator) DrainAndTerminate(ctx context.Context, node *v1alpha1.Node, deadline time.Time, reason string) error {
	if !t.cluster.MarkForTermination(ctx, node.ID, deadline) {
		logging.FromContext(ctx).With("node", node.ID).Debugf("node already marked for termination")
		return nil
	}
	t.recorder.NodeDraining(node, reason)
	start := t.clk.Now()

	bound := deadline.Add(-settings.FromContext(ctx).DrainSafetyMargin)
	err := t.drain(ctx, node.ID, bound)
	if err != nil {
		var residualErr *ResidualWorkloadsError
		if !errors.As(err, &residualErr) {
			return fmt.Errorf("draining node %s, %w", node.ID, err)
		}
		// The bound is hard; losing the stragglers is the accepted cost of
		// interruptible capacity. Surface it and terminate anyway.
		t.recorder.ForcedTermination(node, residualErr.Count)
		metrics.ForcedTerminationsCounter.Inc()
	}
	metrics.DrainDurationHistogram.Observe(t.clk.Since(start).Seconds())

	if terminateErr := t.Terminate(ctx, node.ID, reason); terminateErr != nil {
		return terminateErr
	}
	return nil
}

// Terminate hands the node to the driver and records confirmed termination.
// Safe to call for nodes the provider already reclaimed.
func (t *Terminator) Terminate(ctx context.Context, nodeID string, reason string) error {
	t.cluster.ApplyNodeStateChange(ctx, nodeID, v1alpha1.NodeStateTerminating)
	if err := t.cloudProvider.Terminate(ctx, nodeID); err != nil {
		return fmt.Errorf("terminating node %s, %w", nodeID, err)
	}
	t.cluster.ApplyNodeStateChange(ctx, nodeID, v1alpha1.NodeStateTerminated)
	t.recorder.NodeTerminated(nodeID)
	metrics.NodesTerminatedCounter.WithLabelValues(reason).Inc()
	return nil
}

// drain evicts workloads in rounds until the node is empty or the bound is
// reached. Eviction is best-effort; each round re-lists to observe progress.
func (t *Terminator) drain(ctx context.Context, nodeID string, bound time.Time) error {
	for {
		workloads, err := t.scheduler.ListWorkloads(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("listing workloads on node %s, %w", nodeID, err)
		}
		if len(workloads) == 0 {
			return nil
		}
		budget := bound.Sub(t.clk.Now())
		if budget <= 0 {
			return &ResidualWorkloadsError{NodeID: nodeID, Count: len(workloads)}
		}
		if err := t.scheduler.EvictWorkloads(ctx, nodeID, gracePeriod(workloads, budget)); err != nil {
			// eviction failures resolve by retrying until the bound
			logging.FromContext(ctx).With("node", nodeID).Debugf("continuing after eviction failure, %s", err)
		}
		wait := evictionPollInterval
		if remaining := bound.Sub(t.clk.Now()); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.clk.After(wait):
			}
		}
	}
}

// gracePeriod honors the longest workload grace on the node, capped by the
// remaining drain budget.
func gracePeriod(workloads []v1alpha1.Workload, budget time.Duration) time.Duration {
	grace := time.Duration(0)
	for _, workload := range workloads {
		if workload.GracePeriod > grace {
			grace = workload.GracePeriod
		}
	}
	if grace == 0 || grace > budget {
		grace = budget
	}
	return grace
}
