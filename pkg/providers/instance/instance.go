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

// Package instance implements the node pool driver on EC2. Elastic pools launch
// into the spot market with every candidate profile offered as a fleet override,
// so the fleet API falls through to the next profile when one is unavailable;
// reserved pools launch on-demand.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	sdk "github.com/cistack/capacity-controller/pkg/aws"
	awscache "github.com/cistack/capacity-controller/pkg/cache"
	awserrors "github.com/cistack/capacity-controller/pkg/errors"
	"github.com/cistack/capacity-controller/pkg/utils/logging"
)

var (
	instanceStateFilter = ec2types.Filter{
		Name: aws.String("instance-state-name"),
		Values: []string{
			string(ec2types.InstanceStateNamePending),
			string(ec2types.InstanceStateNameRunning),
			string(ec2types.InstanceStateNameStopping),
			string(ec2types.InstanceStateNameShuttingDown),
		},
	}
)

type Provider struct {
	clusterName         string
	ec2api              sdk.EC2API
	unavailableProfiles *awscache.UnavailableProfiles
	clk                 clock.Clock
}

func NewProvider(clusterName string, ec2api sdk.EC2API, unavailableProfiles *awscache.UnavailableProfiles, clk clock.Clock) *Provider {
	return &Provider{
		clusterName:         clusterName,
		ec2api:              ec2api,
		unavailableProfiles: unavailableProfiles,
		clk:                 clk,
	}
}

// Launch requests count instances for the pool via CreateFleet. Profiles that
// recently returned capacity errors are skipped; the remaining candidates are
// submitted as prioritized overrides so the fleet falls back in pool order.
// Profiles that fail in this request are cached as unavailable for the next one.
func (p *Provider) Launch(ctx context.Context, pool *v1alpha1.NodePool, count int) ([]*v1alpha1.Node, error) {
	candidates := lo.Filter(pool.Profiles, func(profile v1alpha1.InstanceProfile, _ int) bool {
		return !p.unavailableProfiles.IsUnavailable(profile, pool.CapacityType)
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("all candidate profiles for pool %q are marked unavailable", pool.Name)
	}
	out, err := p.createFleet(ctx, pool, candidates, count)
	if err != nil {
		return nil, fmt.Errorf("creating fleet for pool %q, %w", pool.Name, err)
	}
	var errs error
	for _, fleetErr := range out.Errors {
		if fleetErr.ErrorCode != nil && awserrors.IsUnfulfillableCapacityCode(*fleetErr.ErrorCode) {
			p.unavailableProfiles.MarkUnavailableForFleetErr(ctx, fleetErr, pool.CapacityType)
			continue
		}
		errs = multierr.Append(errs, fmt.Errorf("fleet error %s, %s",
			aws.ToString(fleetErr.ErrorCode), aws.ToString(fleetErr.ErrorMessage)))
	}
	nodes := p.nodesFromFleet(pool, out)
	if len(nodes) == 0 {
		if errs != nil {
			return nil, fmt.Errorf("launching instances for pool %q, %w", pool.Name, errs)
		}
		return nil, fmt.Errorf("no capacity available for pool %q this attempt", pool.Name)
	}
	if errs != nil {
		logging.FromContext(ctx).With("pool", pool.Name).
			Debugf("partial fleet fulfillment, %s", errs)
	}
	return nodes, nil
}

// Terminate requests termination of the instance. Termination of an instance
// that no longer exists succeeds so the scale-down and interruption paths can
// both fire for the same node.
func (p *Provider) Terminate(ctx context.Context, nodeID string) error {
	_, err := p.ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{nodeID},
	})
	if awserrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminating instance %s, %w", nodeID, err)
	}
	return nil
}

// List returns every non-terminated instance carrying our cluster tag.
func (p *Provider) List(ctx context.Context) ([]*v1alpha1.Node, error) {
	var nodes []*v1alpha1.Node
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String(fmt.Sprintf("tag:%s", v1alpha1.ClusterTagKey)), Values: []string{p.clusterName}},
			instanceStateFilter,
		},
	}
	for {
		out, err := p.ec2api.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describing instances, %w", err)
		}
		for _, reservation := range out.Reservations {
			for _, instance := range reservation.Instances {
				nodes = append(nodes, p.nodeFromInstance(instance))
			}
		}
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}
	return nodes, nil
}

func (p *Provider) createFleet(ctx context.Context, pool *v1alpha1.NodePool, profiles []v1alpha1.InstanceProfile, count int) (*ec2.CreateFleetOutput, error) {
	input := &ec2.CreateFleetInput{
		Type:                  ec2types.FleetTypeInstant,
		LaunchTemplateConfigs: launchTemplateConfigs(profiles),
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			DefaultTargetCapacityType: capacityTypeFor(pool),
			TotalTargetCapacity:       aws.Int32(int32(count)),
		},
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(v1alpha1.ClusterTagKey), Value: aws.String(p.clusterName)},
				{Key: aws.String(v1alpha1.PoolTagKey), Value: aws.String(pool.Name)},
				{Key: aws.String(v1alpha1.CapacityTypeTagKey), Value: aws.String(string(pool.CapacityType))},
			},
		}},
	}
	if pool.CapacityType == v1alpha1.CapacityTypeElastic {
		input.SpotOptions = &ec2types.SpotOptionsRequest{
			AllocationStrategy: ec2types.SpotAllocationStrategyCapacityOptimizedPrioritized,
		}
	} else {
		input.OnDemandOptions = &ec2types.OnDemandOptionsRequest{
			AllocationStrategy: ec2types.FleetOnDemandAllocationStrategyPrioritized,
		}
	}
	var out *ec2.CreateFleetOutput
	// Throttling on CreateFleet is common under churn; retry briefly before
	// surfacing the tick-level failure.
	err := retry.Do(func() error {
		var callErr error
		out, callErr = p.ec2api.CreateFleet(ctx, input)
		return callErr
	},
		retry.RetryIf(awserrors.IsThrottling),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return out, err
}

// launchTemplateConfigs groups the candidate profiles by launch template and
// assigns each override a priority matching its position in the pool's list.
func launchTemplateConfigs(profiles []v1alpha1.InstanceProfile) []ec2types.FleetLaunchTemplateConfigRequest {
	grouped := lo.GroupBy(profiles, func(profile v1alpha1.InstanceProfile) string { return profile.LaunchTemplate })
	templates := lo.Uniq(lo.Map(profiles, func(profile v1alpha1.InstanceProfile, _ int) string { return profile.LaunchTemplate }))
	return lo.Map(templates, func(template string, _ int) ec2types.FleetLaunchTemplateConfigRequest {
		return ec2types.FleetLaunchTemplateConfigRequest{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
				LaunchTemplateName: aws.String(template),
				Version:            aws.String("$Latest"),
			},
			Overrides: lo.Map(grouped[template], func(profile v1alpha1.InstanceProfile, _ int) ec2types.FleetLaunchTemplateOverridesRequest {
				return ec2types.FleetLaunchTemplateOverridesRequest{
					InstanceType:     ec2types.InstanceType(profile.InstanceType),
					AvailabilityZone: aws.String(profile.Zone),
					Priority:         aws.Float64(float64(lo.IndexOf(profiles, profile))),
				}
			}),
		}
	})
}

func (p *Provider) nodesFromFleet(pool *v1alpha1.NodePool, out *ec2.CreateFleetOutput) []*v1alpha1.Node {
	var nodes []*v1alpha1.Node
	for _, fleetInstance := range out.Instances {
		profile := v1alpha1.InstanceProfile{InstanceType: string(fleetInstance.InstanceType)}
		if fleetInstance.LaunchTemplateAndOverrides != nil && fleetInstance.LaunchTemplateAndOverrides.Overrides != nil {
			profile.Zone = aws.ToString(fleetInstance.LaunchTemplateAndOverrides.Overrides.AvailabilityZone)
			if fleetInstance.LaunchTemplateAndOverrides.LaunchTemplateSpecification != nil {
				profile.LaunchTemplate = aws.ToString(fleetInstance.LaunchTemplateAndOverrides.LaunchTemplateSpecification.LaunchTemplateName)
			}
		}
		for _, id := range fleetInstance.InstanceIds {
			nodes = append(nodes, &v1alpha1.Node{
				ID:            id,
				PoolName:      pool.Name,
				State:         v1alpha1.NodeStateProvisioning,
				Profile:       profile,
				Interruptible: pool.Interruptible(),
				LaunchedAt:    p.clk.Now(),
			})
		}
	}
	return nodes
}

func (p *Provider) nodeFromInstance(instance ec2types.Instance) *v1alpha1.Node {
	tags := lo.SliceToMap(instance.Tags, func(tag ec2types.Tag) (string, string) {
		return aws.ToString(tag.Key), aws.ToString(tag.Value)
	})
	node := &v1alpha1.Node{
		ID:            aws.ToString(instance.InstanceId),
		PoolName:      tags[v1alpha1.PoolTagKey],
		State:         nodeStateFor(instance.State),
		Interruptible: instance.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot,
		Profile:       v1alpha1.InstanceProfile{InstanceType: string(instance.InstanceType)},
	}
	if instance.Placement != nil {
		node.Profile.Zone = aws.ToString(instance.Placement.AvailabilityZone)
	}
	if instance.LaunchTime != nil {
		node.LaunchedAt = *instance.LaunchTime
	}
	return node
}

func nodeStateFor(state *ec2types.InstanceState) v1alpha1.NodeState {
	if state == nil {
		return v1alpha1.NodeStateProvisioning
	}
	switch state.Name {
	case ec2types.InstanceStateNamePending:
		return v1alpha1.NodeStateJoining
	case ec2types.InstanceStateNameRunning:
		return v1alpha1.NodeStateReady
	case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameShuttingDown:
		return v1alpha1.NodeStateTerminating
	case ec2types.InstanceStateNameTerminated:
		return v1alpha1.NodeStateTerminated
	default:
		return v1alpha1.NodeStateProvisioning
	}
}

func capacityTypeFor(pool *v1alpha1.NodePool) ec2types.DefaultTargetCapacityType {
	if pool.CapacityType == v1alpha1.CapacityTypeElastic {
		return ec2types.DefaultTargetCapacityTypeSpot
	}
	return ec2types.DefaultTargetCapacityTypeOnDemand
}
