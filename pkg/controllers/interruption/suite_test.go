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

package interruption_test

import (
	"context"
	"testing"
	"time"

	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gocache "github.com/patrickmn/go-cache"
	clock "k8s.io/utils/clock/testing"

	"github.com/cistack/capacity-controller/pkg/apis/settings"
	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	awscache "github.com/cistack/capacity-controller/pkg/cache"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages"
	"github.com/cistack/capacity-controller/pkg/controllers/termination"
	"github.com/cistack/capacity-controller/pkg/fake"
	"github.com/cistack/capacity-controller/pkg/providers/sqs"
	"github.com/cistack/capacity-controller/pkg/state"
	"github.com/cistack/capacity-controller/pkg/test"
)

const queueName = "ci-interruptions"

var (
	ctx                 context.Context
	fakeClock           *clock.FakeClock
	cluster             *state.Cluster
	sqsapi              *fake.SQSAPI
	cloudProvider       *fake.CloudProvider
	sched               *fake.Scheduler
	recorder            *fake.Recorder
	unavailableProfiles *awscache.UnavailableProfiles
	controller          *interruption.Controller
	node                *v1alpha1.Node
)

func TestInterruption(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Interruption")
}

var _ = BeforeEach(func() {
	s := test.Settings()
	s.InterruptionQueueName = queueName
	ctx = test.Context(s)
	fakeClock = clock.NewFakeClock(time.Now())
	cluster = state.NewCluster(fakeClock, []*v1alpha1.NodePool{
		test.NodePool(test.NodePoolOptions{Name: "agents", MaxSize: 10}),
	})
	sqsapi = &fake.SQSAPI{}
	cloudProvider = fake.NewCloudProvider(fakeClock)
	sched = fake.NewScheduler()
	recorder = fake.NewRecorder()
	unavailableProfiles = awscache.NewUnavailableProfiles(
		gocache.New(awscache.UnavailableProfilesTTL, awscache.CleanupInterval))
	terminator := termination.NewTerminator(fakeClock, cluster, cloudProvider, sched, recorder)
	controller = interruption.NewController(fakeClock, cluster, recorder,
		sqs.NewDefaultProvider(sqsapi, queueName), unavailableProfiles, terminator)

	node = test.Node(test.NodeOptions{PoolName: "agents", State: v1alpha1.NodeStateReady, Interruptible: true})
	cluster.AddNode(node)
	cloudProvider.AddNode(node.DeepCopy())
})

var _ = AfterEach(func() {
	sqsapi.Reset()
	cloudProvider.Reset()
	sched.Reset()
	recorder.Reset()
})

func enqueue(bodies ...string) {
	sqsapi.ReceiveMessageBehavior.MultiOut.Add(&awssqs.ReceiveMessageOutput{
		Messages: func() []sqstypes.Message {
			var msgs []sqstypes.Message
			for _, body := range bodies {
				msgs = append(msgs, fake.SQSMessage(body))
			}
			return msgs
		}(),
	})
}

func reconcile() error {
	_, err := controller.Reconcile(ctx)
	return err
}

var _ = Describe("Spot Interruption", func() {
	It("should drain and terminate the interrupted node", func() {
		enqueue(test.SpotInterruptionMessage(node.ID, fakeClock.Now()))
		Expect(reconcile()).To(Succeed())

		Expect(recorder.Calls("NodeInterrupted")).To(Equal(1))
		Eventually(cloudProvider.TerminatedIDs.Len).Should(Equal(1))
		Eventually(func() int { return recorder.Calls("NodeTerminated") }).Should(Equal(1))
		Eventually(func() bool {
			_, ok := cluster.Node(node.ID)
			return ok
		}).Should(BeFalse())
	})
	It("should delete the message after handling", func() {
		enqueue(test.SpotInterruptionMessage(node.ID, fakeClock.Now()))
		Expect(reconcile()).To(Succeed())
		Expect(sqsapi.DeleteMessageBehavior.Calls()).To(Equal(1))
	})
	It("should mark the node's profile unavailable for elastic capacity", func() {
		enqueue(test.SpotInterruptionMessage(node.ID, fakeClock.Now()))
		Expect(reconcile()).To(Succeed())
		Expect(unavailableProfiles.IsUnavailable(node.Profile, v1alpha1.CapacityTypeElastic)).To(BeTrue())
	})
	It("should handle duplicate warnings for the same node exactly once", func() {
		enqueue(
			test.SpotInterruptionMessage(node.ID, fakeClock.Now()),
			test.SpotInterruptionMessage(node.ID, fakeClock.Now()),
		)
		Expect(reconcile()).To(Succeed())

		Expect(sqsapi.DeleteMessageBehavior.Calls()).To(Equal(2))
		Eventually(cloudProvider.TerminatedIDs.Len).Should(Equal(1))
		Expect(recorder.Calls("NodeDraining")).To(Equal(1))
	})
	It("should keep polling the queue while a slow drain is in progress", func() {
		sched.SetWorkloads(node.ID, test.Workload(30*time.Second))
		sched.EvictionsToClear = 100
		enqueue(test.SpotInterruptionMessage(node.ID, fakeClock.Now()))
		Expect(reconcile()).To(Succeed())

		// the poll loop came back with the drain still running
		Expect(sqsapi.DeleteMessageBehavior.Calls()).To(Equal(1))
		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(0))
		Eventually(func() v1alpha1.NodeState {
			tracked, ok := cluster.Node(node.ID)
			if !ok {
				return ""
			}
			return tracked.State
		}).Should(Equal(v1alpha1.NodeStateDraining))

		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		sched.SetWorkloads(node.ID)
		fakeClock.Step(5 * time.Second)
		Eventually(cloudProvider.TerminatedIDs.Len).Should(Equal(1))
	})
	It("should ignore warnings for untracked instances", func() {
		enqueue(test.SpotInterruptionMessage("i-doesnotexist", fakeClock.Now()))
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(0))
		Expect(sqsapi.DeleteMessageBehavior.Calls()).To(Equal(1))
	})
})

var _ = Describe("State Change", func() {
	It("should reconcile terminated instances without a driver call", func() {
		enqueue(test.StateChangeMessage(node.ID, "terminated", fakeClock.Now()))
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(0))
		Expect(recorder.Calls("NodeTerminated")).To(Equal(1))
		_, ok := cluster.Node(node.ID)
		Expect(ok).To(BeFalse())
	})
	It("should confirm stopping instances with the driver", func() {
		enqueue(test.StateChangeMessage(node.ID, "stopping", fakeClock.Now()))
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(1))
		_, ok := cluster.Node(node.ID)
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Scheduled Change", func() {
	It("should drain and terminate ahead of the maintenance window", func() {
		enqueue(test.ScheduledChangeMessage(node.ID, fakeClock.Now()))
		Expect(reconcile()).To(Succeed())

		Expect(recorder.Calls("NodeInterrupted")).To(Equal(1))
		Eventually(cloudProvider.TerminatedIDs.Len).Should(Equal(1))
	})
})

var _ = Describe("Rebalance Recommendation", func() {
	It("should surface the event without terminating", func() {
		enqueue(test.RebalanceRecommendationMessage(node.ID, fakeClock.Now()))
		Expect(reconcile()).To(Succeed())

		Expect(recorder.Calls("RebalanceRecommendation")).To(Equal(1))
		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(0))
		tracked, ok := cluster.Node(node.ID)
		Expect(ok).To(BeTrue())
		Expect(tracked.State).To(Equal(v1alpha1.NodeStateReady))
	})
})

var _ = Describe("Message Handling", func() {
	It("should delete messages that fail to parse", func() {
		enqueue("this is not json")
		Expect(reconcile()).To(Succeed())
		Expect(sqsapi.DeleteMessageBehavior.Calls()).To(Equal(1))
	})
	It("should treat unrecognized event schemas as no-ops", func() {
		enqueue(`{"source": "aws.unknown", "detail-type": "Something Else", "version": "1"}`)
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(0))
		Expect(sqsapi.DeleteMessageBehavior.Calls()).To(Equal(1))
	})
	It("should do nothing when no queue is configured", func() {
		s := test.Settings()
		s.InterruptionQueueName = ""
		requeue, err := controller.Reconcile(settings.ToContext(context.Background(), s))
		Expect(err).ToNot(HaveOccurred())
		Expect(requeue).To(Equal(10 * time.Second))
		Expect(sqsapi.ReceiveMessageBehavior.Calls()).To(Equal(0))
	})
})

var _ = Describe("Event Parser", func() {
	var parser *interruption.EventParser

	BeforeEach(func() {
		parser = interruption.NewEventParser(interruption.DefaultParsers...)
	})

	It("should parse a spot interruption warning", func() {
		msg, err := parser.Parse(test.SpotInterruptionMessage("i-123", time.Now()))
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.SpotInterruptionKind))
		Expect(msg.EC2InstanceIDs()).To(ConsistOf("i-123"))
	})
	It("should parse a scheduled change affecting multiple instances", func() {
		msg, err := parser.Parse(test.ScheduledChangeMessage("i-123", time.Now()))
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.ScheduledChangeKind))
	})
	It("should return a no-op message for empty bodies", func() {
		msg, err := parser.Parse("")
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.NoOpKind))
	})
	It("should return a no-op message for unknown schemas", func() {
		msg, err := parser.Parse(`{"source": "aws.ec2", "detail-type": "Unknown", "version": "9"}`)
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.Kind()).To(Equal(messages.NoOpKind))
	})
})
