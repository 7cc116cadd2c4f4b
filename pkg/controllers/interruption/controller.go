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

package interruption

import (
	"context"
	"fmt"
	"strings"
	"time"

	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/cistack/capacity-controller/pkg/apis/settings"
	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	awscache "github.com/cistack/capacity-controller/pkg/cache"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages/statechange"
	"github.com/cistack/capacity-controller/pkg/controllers/termination"
	"github.com/cistack/capacity-controller/pkg/events"
	"github.com/cistack/capacity-controller/pkg/metrics"
	"github.com/cistack/capacity-controller/pkg/providers/sqs"
	"github.com/cistack/capacity-controller/pkg/state"
	"github.com/cistack/capacity-controller/pkg/utils/logging"
	"github.com/cistack/capacity-controller/pkg/utils/pretty"
)

const (
	// spotInterruptionWindow is the notice EC2 gives ahead of reclaiming a spot
	// instance; the drain protocol is bounded by it.
	spotInterruptionWindow = 2 * time.Minute
	// maxConcurrentHandlers bounds message fan-out within one batch.
	maxConcurrentHandlers = 10
)

type Action string

const (
	ActionDrainAndTerminate Action = "DrainAndTerminate"
	ActionNoAction          Action = "NoAction"
)

// Controller watches the interruption queue for events from aws.ec2 and
// aws.health that announce a node's impending termination, and drives affected
// nodes through the drain protocol before the provider reclaims them.
type Controller struct {
	clk                 clock.Clock
	cluster             *state.Cluster
	recorder            events.Recorder
	sqsProvider         sqs.Provider
	unavailableProfiles *awscache.UnavailableProfiles
	terminator          *termination.Terminator
	parser              *EventParser
	cm                  *pretty.ChangeMonitor
}

func NewController(clk clock.Clock, cluster *state.Cluster, recorder events.Recorder, sqsProvider sqs.Provider,
	unavailableProfiles *awscache.UnavailableProfiles, terminator *termination.Terminator) *Controller {
	return &Controller{
		clk:                 clk,
		cluster:             cluster,
		recorder:            recorder,
		sqsProvider:         sqsProvider,
		unavailableProfiles: unavailableProfiles,
		terminator:          terminator,
		parser:              NewEventParser(DefaultParsers...),
		cm:                  pretty.NewChangeMonitor(),
	}
}

func (c *Controller) Name() string {
	return "interruption"
}

// Reconcile drains one batch of queue messages. The queue receive long-polls, so
// an immediate requeue does not spin.
func (c *Controller) Reconcile(ctx context.Context) (time.Duration, error) {
	queueName := settings.FromContext(ctx).InterruptionQueueName
	if queueName == "" {
		return 10 * time.Second, nil
	}
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("queue", queueName))
	if c.cm.HasChanged(queueName, nil) {
		logging.FromContext(ctx).Debugf("watching interruption queue")
	}
	sqsMessages, err := c.sqsProvider.GetSQSMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting messages from queue, %w", err)
	}
	if len(sqsMessages) == 0 {
		return 0, nil
	}
	errs := make([]error, len(sqsMessages))
	// no derived context: drains spawned by a handler outlive this batch
	workers := &errgroup.Group{}
	workers.SetLimit(maxConcurrentHandlers)
	for i := range sqsMessages {
		workers.Go(func() error {
			msg, e := c.parseMessage(sqsMessages[i])
			if e != nil {
				// If we fail to parse, then we should delete the message but still log the error
				logging.FromContext(ctx).Errorf("parsing message, %v", e)
				errs[i] = c.deleteMessage(ctx, sqsMessages[i])
				return nil
			}
			if e = c.handleMessage(ctx, msg); e != nil {
				errs[i] = fmt.Errorf("handling message, %w", e)
				return nil
			}
			errs[i] = c.deleteMessage(ctx, sqsMessages[i])
			return nil
		})
	}
	_ = workers.Wait()
	return 0, multierr.Combine(errs...)
}

// parseMessage parses the passed SQS message into an internal Message interface
func (c *Controller) parseMessage(raw sqstypes.Message) (messages.Message, error) {
	if raw.Body == nil {
		return nil, fmt.Errorf("message body is nil")
	}
	msg, err := c.parser.Parse(*raw.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing sqs message, %w", err)
	}
	return msg, nil
}

// handleMessage takes an action against every node in the message that we track
func (c *Controller) handleMessage(ctx context.Context, msg messages.Message) (err error) {
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("messageKind", msg.Kind()))
	metrics.ReceivedMessagesCounter.WithLabelValues(string(msg.Kind())).Inc()

	if msg.Kind() == messages.NoOpKind {
		return nil
	}
	var failedNodeIDs []string
	for _, instanceID := range msg.EC2InstanceIDs() {
		node, ok := c.cluster.Node(instanceID)
		if !ok {
			// untracked instance: stale event or not ours
			continue
		}
		if e := c.handleNode(ctx, msg, node); e != nil {
			failedNodeIDs = append(failedNodeIDs, node.ID)
			err = multierr.Append(err, e)
		}
	}
	if !msg.StartTime().IsZero() {
		metrics.MessageLatencyHistogram.Observe(c.clk.Since(msg.StartTime()).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to act on nodes [%s%s], %w",
			strings.Join(lo.Slice(failedNodeIDs, 0, 3), ","),
			lo.Ternary(len(failedNodeIDs) > 3, "...", ""), err)
	}
	return nil
}

// handleNode performs the message's action against the node
func (c *Controller) handleNode(ctx context.Context, msg messages.Message, node *v1alpha1.Node) error {
	action := actionForMessage(msg)
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("node", node.ID, "action", action))

	c.notifyForMessage(msg, node)

	// A spot interruption means the profile's capacity is being clawed back;
	// keep the launch path off it while the shortage lasts.
	if msg.Kind() == messages.SpotInterruptionKind && node.Interruptible {
		c.unavailableProfiles.MarkUnavailable(ctx, string(msg.Kind()), node.Profile, v1alpha1.CapacityTypeElastic)
	}
	if action == ActionNoAction {
		return nil
	}
	if stateChanged, ok := msg.(statechange.Message); ok {
		return c.handleStateChange(ctx, stateChanged, node)
	}
	deadline := c.deadlineForMessage(ctx, msg)
	// Drains run up to their deadline; holding the queue poll on one would
	// leave later warnings unreceived inside their own two-minute windows. The
	// drain gate in the state store makes duplicate deliveries harmless, so the
	// message can be deleted as soon as the drain is underway.
	go func() {
		if err := c.terminator.DrainAndTerminate(ctx, node, deadline, strings.ToLower(string(msg.Kind()))); err != nil {
			logging.FromContext(ctx).Errorf("draining interrupted node, %s", err)
		}
	}()
	return nil
}

// handleStateChange reconciles a provider-initiated shutdown that is already in
// motion; there is nothing left to drain for a stopped or terminated instance.
func (c *Controller) handleStateChange(ctx context.Context, msg statechange.Message, node *v1alpha1.Node) error {
	if lo.Contains([]string{"terminated", "stopped"}, strings.ToLower(msg.Detail.State)) {
		c.cluster.ApplyNodeStateChange(ctx, node.ID, v1alpha1.NodeStateTerminated)
		c.recorder.NodeTerminated(node.ID)
		return nil
	}
	// stopping or shutting-down: confirm with the driver so capacity is released
	return c.terminator.Terminate(ctx, node.ID, "state-change")
}

// deadlineForMessage returns the latest instant the node may still exist. Spot
// interruption warnings give a fixed notice window from event time; health
// events announce maintenance further out, so we use the generous voluntary
// drain deadline.
func (c *Controller) deadlineForMessage(ctx context.Context, msg messages.Message) time.Time {
	if msg.Kind() == messages.SpotInterruptionKind {
		start := msg.StartTime()
		if start.IsZero() {
			start = c.clk.Now()
		}
		return start.Add(spotInterruptionWindow)
	}
	return c.clk.Now().Add(settings.FromContext(ctx).VoluntaryDrainDeadline)
}

// deleteMessage removes the passed SQS message from the queue and fires a metric for the deletion
func (c *Controller) deleteMessage(ctx context.Context, msg sqstypes.Message) error {
	if err := c.sqsProvider.DeleteSQSMessage(ctx, msg); err != nil {
		return fmt.Errorf("deleting sqs message, %w", err)
	}
	metrics.DeletedMessagesCounter.Inc()
	return nil
}

// notifyForMessage publishes the relevant event based on the message kind
func (c *Controller) notifyForMessage(msg messages.Message, node *v1alpha1.Node) {
	switch msg.Kind() {
	case messages.SpotInterruptionKind:
		c.recorder.NodeInterrupted(node)
	case messages.ScheduledChangeKind:
		c.recorder.NodeInterrupted(node)
	case messages.RebalanceRecommendationKind:
		c.recorder.RebalanceRecommendation(node.ID)
	default:
	}
}

func actionForMessage(msg messages.Message) Action {
	switch msg.Kind() {
	case messages.ScheduledChangeKind, messages.SpotInterruptionKind, messages.StateChangeKind:
		return ActionDrainAndTerminate
	default:
		return ActionNoAction
	}
}
