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

package scaling_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clock "k8s.io/utils/clock/testing"

	"github.com/cistack/capacity-controller/pkg/apis/settings"
	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/controllers/scaling"
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
	controller    *scaling.Controller
)

func TestScaling(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scaling")
}

var _ = BeforeEach(func() {
	// a near-zero cooldown keeps consecutive reconciles in a test from being
	// suppressed; the cooldown path has its own test below
	s := test.Settings()
	s.Cooldown = time.Nanosecond
	ctx = test.Context(s)
	fakeClock = clock.NewFakeClock(time.Now())
	cluster = state.NewCluster(fakeClock, []*v1alpha1.NodePool{
		test.NodePool(test.NodePoolOptions{Name: "agents", MaxSize: 10}),
		test.NodePool(test.NodePoolOptions{
			Name:         "controller",
			CapacityType: v1alpha1.CapacityTypeReserved,
			Exclusive:    true,
			MinSize:      1,
			MaxSize:      2,
		}),
	})
	cloudProvider = fake.NewCloudProvider(fakeClock)
	sched = fake.NewScheduler()
	recorder = fake.NewRecorder()
	terminator := termination.NewTerminator(fakeClock, cluster, cloudProvider, sched, recorder)
	controller = scaling.NewController(fakeClock, cluster, cloudProvider, sched, terminator, recorder)
})

var _ = AfterEach(func() {
	cloudProvider.Reset()
	sched.Reset()
	recorder.Reset()
})

func reconcile() error {
	_, err := controller.Reconcile(ctx)
	return err
}

// seedReady registers count ready nodes with both the cluster and the driver.
func seedReady(poolName string, count int) []*v1alpha1.Node {
	var nodes []*v1alpha1.Node
	for i := 0; i < count; i++ {
		node := test.Node(test.NodeOptions{PoolName: poolName, State: v1alpha1.NodeStateReady})
		cluster.AddNode(node)
		cloudProvider.AddNode(node.DeepCopy())
		nodes = append(nodes, node)
	}
	return nodes
}

func desiredSize(poolName string) int {
	pool, ok := cluster.Pool(poolName)
	Expect(ok).To(BeTrue())
	return pool.DesiredSize
}

var _ = Describe("Scale Up", func() {
	It("should do nothing without demand", func() {
		Expect(reconcile()).To(Succeed())
		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(0))
		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(0))
	})
	It("should launch nodes to cover unplaceable build-agent demand", func() {
		sched.SetDemand(test.Demand(3, v1alpha1.ResourceClassBuildAgent)...)
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(3))
		Expect(desiredSize("agents")).To(Equal(3))
		Expect(cluster.ProvisionedNodeCount("agents")).To(Equal(3))

		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(1))
		intent := recorder.Events("ScaleIntentIssued")[0].Intent
		Expect(intent.Pool).To(Equal("agents"))
		Expect(intent.Direction).To(Equal(v1alpha1.ScaleDirectionUp))
		Expect(intent.Delta).To(Equal(3))
	})
	It("should route control-plane demand to the exclusive reserved pool", func() {
		sched.SetDemand(test.Demand(1, v1alpha1.ResourceClassControlPlane)...)
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(1))
		Expect(cloudProvider.LaunchedNodes.At(0).PoolName).To(Equal("controller"))
		Expect(desiredSize("agents")).To(Equal(0))
	})
	It("should clamp the launch to the pool maximum", func() {
		sched.SetDemand(test.Demand(5, v1alpha1.ResourceClassControlPlane)...)
		Expect(reconcile()).To(Succeed())

		Expect(desiredSize("controller")).To(Equal(2))
		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(2))
	})
	It("should carry demand a pool at maximum size cannot absorb", func() {
		seedReady("controller", 2)
		sched.SetDemand(test.Demand(3, v1alpha1.ResourceClassControlPlane)...)
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(0))
		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(0))
	})
	It("should cap a single intent at the launch batch limit", func() {
		s := test.Settings()
		s.Cooldown = time.Nanosecond
		s.MaxLaunchBatch = 2
		ctx = test.Context(s)

		sched.SetDemand(test.Demand(7, v1alpha1.ResourceClassBuildAgent)...)
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(2))
		Expect(desiredSize("agents")).To(Equal(2))
	})
	It("should leave demand with no eligible pool unplaced", func() {
		seedReady("agents", 10)
		Expect(reconcile()).To(Succeed()) // desired reconciles to 10, the maximum
		recorder.Reset()

		sched.SetDemand(test.Demand(2, v1alpha1.ResourceClassBuildAgent)...)
		Expect(reconcile()).To(Succeed())
		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(0))
		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(0))
	})
})

var _ = Describe("Cooldown", func() {
	It("should suppress evaluation after an intent until the cooldown expires", func() {
		ctx = test.Context(test.Settings()) // production cooldown
		sched.SetDemand(test.Demand(2, v1alpha1.ResourceClassBuildAgent)...)
		Expect(reconcile()).To(Succeed())
		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(2))

		sched.SetDemand(test.Demand(5, v1alpha1.ResourceClassBuildAgent)...)
		Expect(reconcile()).To(Succeed())
		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(2))
		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(1))
	})
	It("should never suppress a pool when the cooldown is zero", func() {
		s := test.Settings()
		s.Cooldown = 0
		ctx = test.Context(s)

		sched.SetDemand(test.Demand(1, v1alpha1.ResourceClassBuildAgent)...)
		Expect(reconcile()).To(Succeed())
		sched.SetDemand(test.Demand(2, v1alpha1.ResourceClassBuildAgent)...)
		Expect(reconcile()).To(Succeed())

		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(2))
		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(3))
	})
})

var _ = Describe("Launch Failures", func() {
	It("should surface the failure and walk desired size back next tick", func() {
		sched.SetDemand(test.Demand(3, v1alpha1.ResourceClassBuildAgent)...)
		cloudProvider.LaunchError.Set(errors.New("insufficient capacity"), fake.MaxCalls(1))

		Expect(reconcile()).ToNot(Succeed())
		Expect(recorder.Calls("LaunchFailed")).To(Equal(1))
		Expect(desiredSize("agents")).To(Equal(3)) // optimistic, nothing confirmed

		sched.SetDemand()
		Expect(reconcile()).To(Succeed())
		Expect(desiredSize("agents")).To(Equal(0))
	})
	It("should reconcile a partially fulfilled launch to the confirmed count", func() {
		cloudProvider.LaunchShortfall = 1
		sched.SetDemand(test.Demand(3, v1alpha1.ResourceClassBuildAgent)...)
		Expect(reconcile()).To(Succeed())

		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(2))
		Expect(desiredSize("agents")).To(Equal(3))

		sched.SetDemand()
		Expect(reconcile()).To(Succeed())
		Expect(desiredSize("agents")).To(Equal(2))
	})
	It("should keep reconciling other pools when one fails", func() {
		sched.SetDemand(append(
			test.Demand(2, v1alpha1.ResourceClassBuildAgent),
			test.Demand(1, v1alpha1.ResourceClassControlPlane)...)...)
		// pools reconcile in name order, so "agents" consumes the single failure
		cloudProvider.LaunchError.Set(errors.New("request limit exceeded"), fake.MaxCalls(1))

		err := reconcile()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("agents"))
		Expect(cloudProvider.LaunchedNodes.Len()).To(Equal(1))
		Expect(cloudProvider.LaunchedNodes.At(0).PoolName).To(Equal("controller"))
	})
	It("should return an error when the scheduler is unreachable", func() {
		sched.DemandError.Set(errors.New("connection refused"))
		Expect(reconcile()).ToNot(Succeed())
		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(0))
	})
})

var _ = Describe("Scale Down", func() {
	It("should drain idle nodes above the idle threshold", func() {
		nodes := seedReady("agents", 3)
		fakeClock.Step(settings.FromContext(ctx).IdleDuration + time.Minute)

		Expect(reconcile()).To(Succeed())
		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(1))
		intent := recorder.Events("ScaleIntentIssued")[0].Intent
		Expect(intent.Direction).To(Equal(v1alpha1.ScaleDirectionDown))
		Expect(intent.Delta).To(Equal(3))
		Expect(desiredSize("agents")).To(Equal(0))

		// drains run asynchronously; idle nodes have no workloads, so they
		// terminate immediately
		Eventually(cloudProvider.TerminatedIDs.Len).Should(Equal(3))
		for _, node := range nodes {
			Eventually(func() bool {
				_, ok := cluster.Node(node.ID)
				return ok
			}).Should(BeFalse())
		}
	})
	It("should never drain below the pool minimum", func() {
		cluster = state.NewCluster(fakeClock, []*v1alpha1.NodePool{
			test.NodePool(test.NodePoolOptions{Name: "agents", MinSize: 2, MaxSize: 10}),
		})
		terminator := termination.NewTerminator(fakeClock, cluster, cloudProvider, sched, recorder)
		controller = scaling.NewController(fakeClock, cluster, cloudProvider, sched, terminator, recorder)

		seedReady("agents", 4)
		fakeClock.Step(settings.FromContext(ctx).IdleDuration + time.Minute)

		Expect(reconcile()).To(Succeed())
		Expect(desiredSize("agents")).To(Equal(2))
		Eventually(cloudProvider.TerminatedIDs.Len).Should(Equal(2))
	})
	It("should pick the least recently busy nodes first", func() {
		// MinSize 2 with three idle nodes shrinks by one: the victim must be the
		// longest-idle node
		cluster = state.NewCluster(fakeClock, []*v1alpha1.NodePool{
			test.NodePool(test.NodePoolOptions{Name: "agents", MinSize: 2, MaxSize: 10}),
		})
		terminator := termination.NewTerminator(fakeClock, cluster, cloudProvider, sched, recorder)
		controller = scaling.NewController(fakeClock, cluster, cloudProvider, sched, terminator, recorder)

		nodes := seedReady("agents", 3)
		fakeClock.Step(2 * time.Minute)
		cluster.TouchBusy(nodes[1].ID)
		cluster.TouchBusy(nodes[2].ID)
		fakeClock.Step(settings.FromContext(ctx).IdleDuration + time.Minute)

		Expect(reconcile()).To(Succeed())
		Eventually(cloudProvider.TerminatedIDs.Len).Should(Equal(1))
		Expect(*cloudProvider.TerminatedIDs.At(0)).To(Equal(nodes[0].ID))
	})
	It("should hold steady when too few nodes are idle", func() {
		nodes := seedReady("agents", 4)
		fakeClock.Step(settings.FromContext(ctx).IdleDuration + time.Minute)
		cluster.TouchBusy(nodes[0].ID)
		cluster.TouchBusy(nodes[1].ID)
		cluster.TouchBusy(nodes[2].ID)

		Expect(reconcile()).To(Succeed())
		Expect(recorder.Calls("ScaleIntentIssued")).To(Equal(0))
		Expect(cloudProvider.TerminatedIDs.Len()).To(Equal(0))
	})
})
