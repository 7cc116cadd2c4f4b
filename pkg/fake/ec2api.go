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

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	sdk "github.com/cistack/capacity-controller/pkg/aws"
)

// CapacityPool identifies a (capacity type, instance type, zone) triple the
// fake should treat as out of capacity.
type CapacityPool struct {
	CapacityType string
	InstanceType string
	Zone         string
}

// EC2Behavior must be reset between tests otherwise tests will
// pollute each other.
type EC2Behavior struct {
	CreateFleetBehavior        MockedFunction[ec2.CreateFleetInput, ec2.CreateFleetOutput]
	TerminateInstancesBehavior MockedFunction[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
	DescribeInstancesBehavior  MockedFunction[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	InsufficientCapacityPools  AtomicPtrSlice[CapacityPool]
	Instances                  sync.Map
}

type EC2API struct {
	EC2Behavior
}

var _ sdk.EC2API = (*EC2API)(nil)

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *EC2API) Reset() {
	e.CreateFleetBehavior.Reset()
	e.TerminateInstancesBehavior.Reset()
	e.DescribeInstancesBehavior.Reset()
	e.InsufficientCapacityPools.Reset()
	e.Instances.Range(func(k, v any) bool {
		e.Instances.Delete(k)
		return true
	})
}

func (e *EC2API) CreateFleet(_ context.Context, input *ec2.CreateFleetInput, _ ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	return e.CreateFleetBehavior.Invoke(input, e.createFleet)
}

func (e *EC2API) TerminateInstances(_ context.Context, input *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return e.TerminateInstancesBehavior.Invoke(input, e.terminateInstances)
}

func (e *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return e.DescribeInstancesBehavior.Invoke(input, e.describeInstances)
}

// createFleet fulfills the request from the first override that is not in an
// insufficient-capacity pool, mirroring the fleet API's prioritized fallback.
func (e *EC2API) createFleet(input *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
	capacityType := string(input.TargetCapacitySpecification.DefaultTargetCapacityType)
	out := &ec2.CreateFleetOutput{FleetId: aws.String(fmt.Sprintf("fleet-%s", RandomName()))}

	for _, config := range input.LaunchTemplateConfigs {
		for _, override := range config.Overrides {
			if e.isInsufficient(capacityType, override) {
				out.Errors = append(out.Errors, ec2types.CreateFleetError{
					ErrorCode:    aws.String("InsufficientInstanceCapacity"),
					ErrorMessage: aws.String("there is no capacity available"),
					LaunchTemplateAndOverrides: &ec2types.LaunchTemplateAndOverridesResponse{
						LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecification{
							LaunchTemplateName: config.LaunchTemplateSpecification.LaunchTemplateName,
						},
						Overrides: &ec2types.FleetLaunchTemplateOverrides{
							InstanceType:     override.InstanceType,
							AvailabilityZone: override.AvailabilityZone,
						},
					},
				})
				continue
			}
			count := int(aws.ToInt32(input.TargetCapacitySpecification.TotalTargetCapacity))
			ids := make([]string, 0, count)
			for range count {
				ids = append(ids, e.launchInstance(input, override, capacityType))
			}
			out.Instances = append(out.Instances, ec2types.CreateFleetInstance{
				InstanceIds:  ids,
				InstanceType: override.InstanceType,
				Lifecycle:    lo.Ternary(capacityType == "spot", ec2types.InstanceLifecycleSpot, ec2types.InstanceLifecycleOnDemand),
				LaunchTemplateAndOverrides: &ec2types.LaunchTemplateAndOverridesResponse{
					LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecification{
						LaunchTemplateName: config.LaunchTemplateSpecification.LaunchTemplateName,
					},
					Overrides: &ec2types.FleetLaunchTemplateOverrides{
						InstanceType:     override.InstanceType,
						AvailabilityZone: override.AvailabilityZone,
					},
				},
			})
			return out, nil
		}
	}
	return out, nil
}

func (e *EC2API) isInsufficient(capacityType string, override ec2types.FleetLaunchTemplateOverridesRequest) bool {
	insufficient := false
	e.InsufficientCapacityPools.ForEach(func(pool *CapacityPool) {
		if pool.CapacityType == capacityType &&
			pool.InstanceType == string(override.InstanceType) &&
			pool.Zone == aws.ToString(override.AvailabilityZone) {
			insufficient = true
		}
	})
	return insufficient
}

func (e *EC2API) launchInstance(input *ec2.CreateFleetInput, override ec2types.FleetLaunchTemplateOverridesRequest, capacityType string) string {
	id := fmt.Sprintf("i-%s", RandomName())
	instance := ec2types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: override.InstanceType,
		State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
		Placement:    &ec2types.Placement{AvailabilityZone: override.AvailabilityZone},
	}
	if capacityType == "spot" {
		instance.InstanceLifecycle = ec2types.InstanceLifecycleTypeSpot
	}
	for _, spec := range input.TagSpecifications {
		instance.Tags = append(instance.Tags, spec.Tags...)
	}
	e.Instances.Store(id, instance)
	return id
}

func (e *EC2API) terminateInstances(input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
	out := &ec2.TerminateInstancesOutput{}
	for _, id := range input.InstanceIds {
		stored, ok := e.Instances.Load(id)
		if !ok {
			return nil, &smithy.GenericAPIError{
				Code:    "InvalidInstanceID.NotFound",
				Message: fmt.Sprintf("instance %s does not exist", id),
			}
		}
		instance := stored.(ec2types.Instance)
		instance.State = &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated}
		e.Instances.Store(id, instance)
		out.TerminatingInstances = append(out.TerminatingInstances, ec2types.InstanceStateChange{
			InstanceId:   aws.String(id),
			CurrentState: instance.State,
		})
	}
	return out, nil
}

// describeInstances ignores the request filters beyond the terminated state;
// tests that need precise filtering set DescribeInstancesBehavior.Output.
func (e *EC2API) describeInstances(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
	var instances []ec2types.Instance
	e.Instances.Range(func(_, v any) bool {
		instance := v.(ec2types.Instance)
		if instance.State.Name != ec2types.InstanceStateNameTerminated {
			instances = append(instances, instance)
		}
		return true
	})
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: instances}},
	}, nil
}
