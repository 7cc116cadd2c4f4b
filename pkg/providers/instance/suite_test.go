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

package instance_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gocache "github.com/patrickmn/go-cache"
	clock "k8s.io/utils/clock/testing"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	awscache "github.com/cistack/capacity-controller/pkg/cache"
	"github.com/cistack/capacity-controller/pkg/fake"
	"github.com/cistack/capacity-controller/pkg/providers/instance"
	"github.com/cistack/capacity-controller/pkg/test"
)

var (
	ctx                 context.Context
	fakeClock           *clock.FakeClock
	ec2api              *fake.EC2API
	unavailableProfiles *awscache.UnavailableProfiles
	provider            *instance.Provider
	pool                *v1alpha1.NodePool
)

func TestInstance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Instance")
}

var _ = BeforeEach(func() {
	ctx = test.Context(test.Settings())
	fakeClock = clock.NewFakeClock(time.Now())
	ec2api = &fake.EC2API{}
	unavailableProfiles = awscache.NewUnavailableProfiles(
		gocache.New(awscache.UnavailableProfilesTTL, awscache.CleanupInterval))
	provider = instance.NewProvider("ci-cluster", ec2api, unavailableProfiles, fakeClock)
	pool = test.NodePool(test.NodePoolOptions{
		Name: "agents",
		Profiles: []v1alpha1.InstanceProfile{
			{InstanceType: "m5.large", Zone: "us-east-1a", LaunchTemplate: "agents"},
			{InstanceType: "m5a.large", Zone: "us-east-1a", LaunchTemplate: "agents"},
		},
		MaxSize: 10,
	})
})

var _ = AfterEach(func() {
	ec2api.Reset()
})

var _ = Describe("Launch", func() {
	It("should launch the requested count of provisioning nodes", func() {
		nodes, err := provider.Launch(ctx, pool, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(nodes).To(HaveLen(2))
		for _, node := range nodes {
			Expect(node.PoolName).To(Equal("agents"))
			Expect(node.State).To(Equal(v1alpha1.NodeStateProvisioning))
			Expect(node.Interruptible).To(BeTrue())
			Expect(node.LaunchedAt).To(Equal(fakeClock.Now()))
		}
	})
	It("should request spot capacity for elastic pools", func() {
		_, err := provider.Launch(ctx, pool, 1)
		Expect(err).ToNot(HaveOccurred())

		input := ec2api.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(input.TargetCapacitySpecification.DefaultTargetCapacityType).
			To(Equal(ec2types.DefaultTargetCapacityTypeSpot))
		Expect(input.SpotOptions.AllocationStrategy).
			To(Equal(ec2types.SpotAllocationStrategyCapacityOptimizedPrioritized))
		Expect(input.OnDemandOptions).To(BeNil())
	})
	It("should request on-demand capacity for reserved pools", func() {
		reserved := test.NodePool(test.NodePoolOptions{
			Name:         "controller",
			CapacityType: v1alpha1.CapacityTypeReserved,
			MaxSize:      2,
		})
		_, err := provider.Launch(ctx, reserved, 1)
		Expect(err).ToNot(HaveOccurred())

		input := ec2api.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(input.TargetCapacitySpecification.DefaultTargetCapacityType).
			To(Equal(ec2types.DefaultTargetCapacityTypeOnDemand))
		Expect(input.OnDemandOptions.AllocationStrategy).
			To(Equal(ec2types.FleetOnDemandAllocationStrategyPrioritized))
		Expect(input.SpotOptions).To(BeNil())
	})
	It("should offer every candidate profile as a prioritized override", func() {
		_, err := provider.Launch(ctx, pool, 1)
		Expect(err).ToNot(HaveOccurred())

		input := ec2api.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(input.LaunchTemplateConfigs).To(HaveLen(1))
		overrides := input.LaunchTemplateConfigs[0].Overrides
		Expect(overrides).To(HaveLen(2))
		Expect(overrides[0].InstanceType).To(Equal(ec2types.InstanceType("m5.large")))
		Expect(*overrides[0].Priority).To(BeNumerically("<", *overrides[1].Priority))
	})
	It("should tag launched instances with cluster, pool and capacity type", func() {
		_, err := provider.Launch(ctx, pool, 1)
		Expect(err).ToNot(HaveOccurred())

		input := ec2api.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(input.TagSpecifications).To(HaveLen(1))
		tags := map[string]string{}
		for _, tag := range input.TagSpecifications[0].Tags {
			tags[*tag.Key] = *tag.Value
		}
		Expect(tags).To(HaveKeyWithValue(v1alpha1.ClusterTagKey, "ci-cluster"))
		Expect(tags).To(HaveKeyWithValue(v1alpha1.PoolTagKey, "agents"))
		Expect(tags).To(HaveKeyWithValue(v1alpha1.CapacityTypeTagKey, string(v1alpha1.CapacityTypeElastic)))
	})
	It("should skip profiles cached as unavailable", func() {
		unavailableProfiles.MarkUnavailable(ctx, "test", pool.Profiles[0], pool.CapacityType)

		_, err := provider.Launch(ctx, pool, 1)
		Expect(err).ToNot(HaveOccurred())

		input := ec2api.CreateFleetBehavior.CalledWithInput.Pop()
		overrides := input.LaunchTemplateConfigs[0].Overrides
		Expect(overrides).To(HaveLen(1))
		Expect(overrides[0].InstanceType).To(Equal(ec2types.InstanceType("m5a.large")))
	})
	It("should fail fast when every profile is cached as unavailable", func() {
		for _, profile := range pool.Profiles {
			unavailableProfiles.MarkUnavailable(ctx, "test", profile, pool.CapacityType)
		}
		_, err := provider.Launch(ctx, pool, 1)
		Expect(err).To(HaveOccurred())
		Expect(ec2api.CreateFleetBehavior.Calls()).To(Equal(0))
	})
	It("should fall through to the next profile on insufficient capacity and cache the failed one", func() {
		ec2api.InsufficientCapacityPools.Add(&fake.CapacityPool{
			CapacityType: "spot", InstanceType: "m5.large", Zone: "us-east-1a",
		})

		nodes, err := provider.Launch(ctx, pool, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(nodes).To(HaveLen(1))
		Expect(nodes[0].Profile.InstanceType).To(Equal("m5a.large"))
		Expect(unavailableProfiles.IsUnavailable(pool.Profiles[0], pool.CapacityType)).To(BeTrue())
		Expect(unavailableProfiles.IsUnavailable(pool.Profiles[1], pool.CapacityType)).To(BeFalse())
	})
	It("should error when the fleet returns no instances at all", func() {
		for _, profile := range pool.Profiles {
			ec2api.InsufficientCapacityPools.Add(&fake.CapacityPool{
				CapacityType: "spot", InstanceType: profile.InstanceType, Zone: profile.Zone,
			})
		}
		_, err := provider.Launch(ctx, pool, 1)
		Expect(err).To(HaveOccurred())
	})
	It("should surface non-capacity fleet errors", func() {
		ec2api.CreateFleetBehavior.Output.Set(&ec2.CreateFleetOutput{
			Errors: []ec2types.CreateFleetError{{
				ErrorCode:    aws.String("UnauthorizedOperation"),
				ErrorMessage: aws.String("not allowed"),
			}},
		})
		_, err := provider.Launch(ctx, pool, 1)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("UnauthorizedOperation"))
	})
})

var _ = Describe("Terminate", func() {
	It("should terminate a launched instance", func() {
		nodes, err := provider.Launch(ctx, pool, 1)
		Expect(err).ToNot(HaveOccurred())

		Expect(provider.Terminate(ctx, nodes[0].ID)).To(Succeed())
		listed, err := provider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(BeEmpty())
	})
	It("should tolerate instances that no longer exist", func() {
		Expect(provider.Terminate(ctx, "i-doesnotexist")).To(Succeed())
	})
})

var _ = Describe("List", func() {
	It("should map instances back to nodes with their tags and placement", func() {
		nodes, err := provider.Launch(ctx, pool, 1)
		Expect(err).ToNot(HaveOccurred())

		listed, err := provider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(HaveLen(1))
		Expect(listed[0].ID).To(Equal(nodes[0].ID))
		Expect(listed[0].PoolName).To(Equal("agents"))
		Expect(listed[0].State).To(Equal(v1alpha1.NodeStateJoining))
		Expect(listed[0].Interruptible).To(BeTrue())
		Expect(listed[0].Profile.Zone).To(Equal("us-east-1a"))
	})
	It("should walk paginated listings", func() {
		page := func(id string, next *string) *ec2.DescribeInstancesOutput {
			return &ec2.DescribeInstancesOutput{
				NextToken: next,
				Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{{
					InstanceId:   aws.String(id),
					InstanceType: "m5.large",
					State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				}}}},
			}
		}
		ec2api.DescribeInstancesBehavior.MultiOut.Add(page("i-page1", aws.String("token")))
		ec2api.DescribeInstancesBehavior.MultiOut.Add(page("i-page2", nil))

		listed, err := provider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(listed).To(HaveLen(2))
		Expect(ec2api.DescribeInstancesBehavior.Calls()).To(Equal(2))
	})
})
