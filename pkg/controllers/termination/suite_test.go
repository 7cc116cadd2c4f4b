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

package termination_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clock "k8s.io/utils/clock/testing"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/controllers/termination"
	"github.com/cistack/capacity-controller/pkg/fake"
	"github.com/cistack/capacity-controller/pkg/state"
	"github.com/cistack/capacity-controller/pkg/test"
)

var (
	ctx           context.Context
	fakeClock     *clock.FakeClock
	cluster       *state.Cluster
	cloudProvider *fake.CloudProvider
	sched         *fake.Scheduler
	recorder      *fake.Recorder
	terminator    *termination.Terminator
	node          *v1alpha1.Node
)

func TestTermination(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Termination")
}

var _ = BeforeEach(func() {
	ctx = test.Context(test.Settings())
	fakeClock = clock.NewFakeClock(time.Now())
	cluster = state.NewCluster(fakeClock, []*v1alpha1.NodePool{
		test.NodePool(test.NodePoolOptions{Name: "agents", MaxSize: 10}),
	})
	cloudProvider = fake.NewCloudProvider(fakeClock)
	sched = fake.NewScheduler()
	recorder = fake.NewRecorder()
	terminator = termination.NewTerminator(fakeClock, cluster, cloudProvider, sched, recorder)

	node = test.Node(test.NodeOptions{PoolName: "agents", State: v1alpha1.NodeStateReady, Interruptible: true})
	cluster.AddNode(node)
	cloudProvider.AddNode(node.DeepCopy())
})

var _ = AfterEach(func() {
	cloudProvider.Reset()
	sched.Reset()
	recorder.Reset()
})

var _ = Describe("Drain And Terminate", func() {
	It("should terminate an empty node without evictions", func() {
		deadline := fakeClock.Now().Add(2 * time.Minute)
		Expect(terminator.DrainAndTerminate(ctx, node, deadline, "interruption")).To(Succeed())

		Expect(sched.Evictions.Len()).To(Equal(0))
		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(1))
		Expect(recorder.Calls("NodeDraining")).To(Equal(1))
		Expect(recorder.Calls("NodeTerminated")).To(Equal(1))
		_, ok := cluster.Node(node.ID)
		Expect(ok).To(BeFalse())
	})
	It("should be a no-op for callers that lose the termination race", func() {
		deadline := fakeClock.Now().Add(2 * time.Minute)
		Expect(terminator.DrainAndTerminate(ctx, node, deadline, "interruption")).To(Succeed())
		Expect(terminator.DrainAndTerminate(ctx, node, deadline, "scale-down")).To(Succeed())

		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(1))
		Expect(recorder.Calls("NodeDraining")).To(Equal(1))
	})
	It("should force-terminate when the bound elapses with workloads present", func() {
		sched.EvictionsToClear = 100
		sched.SetWorkloads(node.ID, test.Workload(time.Minute), test.Workload(time.Minute))

		// bound = deadline - safety margin = now; the drain budget is already spent
		deadline := fakeClock.Now().Add(test.Settings().DrainSafetyMargin)
		Expect(terminator.DrainAndTerminate(ctx, node, deadline, "interruption")).To(Succeed())

		Expect(recorder.Calls("ForcedTermination")).To(Equal(1))
		Expect(recorder.Events("ForcedTermination")[0].Count).To(Equal(2))
		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(1))
	})
	It("should cap the eviction grace period at the remaining budget", func() {
		sched.SetWorkloads(node.ID, test.Workload(10*time.Minute))
		deadline := fakeClock.Now().Add(65 * time.Second)

		done := make(chan error, 1)
		go func() {
			done <- terminator.DrainAndTerminate(ctx, node, deadline, "interruption")
		}()
		Eventually(func() int { return sched.Evictions.Len() }).Should(Equal(1))
		Expect(sched.Evictions.At(0).GracePeriod).To(Equal(60 * time.Second))

		// the drain loop is waiting out its poll interval before re-listing
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(5 * time.Second)
		Eventually(done).Should(Receive(Succeed()))
		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(1))
	})
	It("should honor the longest workload grace when it fits the budget", func() {
		sched.SetWorkloads(node.ID, test.Workload(10*time.Second), test.Workload(30*time.Second))
		deadline := fakeClock.Now().Add(10 * time.Minute)

		done := make(chan error, 1)
		go func() {
			done <- terminator.DrainAndTerminate(ctx, node, deadline, "scale-down")
		}()
		Eventually(func() int { return sched.Evictions.Len() }).Should(Equal(1))
		Expect(sched.Evictions.At(0).GracePeriod).To(Equal(30 * time.Second))

		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(5 * time.Second)
		Eventually(done).Should(Receive(Succeed()))
	})
	It("should keep draining through eviction failures", func() {
		sched.SetWorkloads(node.ID, test.Workload(time.Minute))
		sched.EvictError.Set(fmt.Errorf("scheduler unavailable"))
		deadline := fakeClock.Now().Add(10 * time.Minute)

		done := make(chan error, 1)
		go func() {
			done <- terminator.DrainAndTerminate(ctx, node, deadline, "scale-down")
		}()
		Eventually(func() int { return sched.Evictions.Len() }).Should(Equal(1))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(5 * time.Second)

		// second round's eviction succeeds and clears the node
		Eventually(func() int { return sched.Evictions.Len() }).Should(Equal(2))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(5 * time.Second)
		Eventually(done).Should(Receive(Succeed()))
	})
	It("should surface workload listing failures without terminating", func() {
		sched.WorkloadsError.Set(fmt.Errorf("scheduler unavailable"))
		deadline := fakeClock.Now().Add(2 * time.Minute)

		Expect(terminator.DrainAndTerminate(ctx, node, deadline, "interruption")).ToNot(Succeed())
		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(0))
	})
})

var _ = Describe("Terminate", func() {
	It("should tolerate nodes the provider already reclaimed", func() {
		Expect(cloudProvider.Terminate(ctx, node.ID)).To(Succeed())
		cloudProvider.TerminatedIDs.Reset()
		Expect(terminator.Terminate(ctx, node.ID, "state-change")).To(Succeed())
		Expect(recorder.Calls("NodeTerminated")).To(Equal(1))
	})
})
