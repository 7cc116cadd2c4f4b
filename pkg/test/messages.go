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

package test

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages/rebalancerecommendation"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages/scheduledchange"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages/spotinterruption"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages/statechange"
)

func metadata(source, detailType, version string, eventTime time.Time) messages.Metadata {
	return messages.Metadata{
		ID:         uuid.NewString(),
		Account:    "000000000000",
		Region:     "us-east-1",
		Source:     source,
		DetailType: detailType,
		Version:    version,
		Time:       eventTime,
	}
}

// SpotInterruptionMessage returns the JSON body of a spot interruption warning
// for the instance, timestamped at eventTime.
func SpotInterruptionMessage(instanceID string, eventTime time.Time) string {
	return marshal(spotinterruption.Message{
		Metadata: metadata("aws.ec2", "EC2 Spot Instance Interruption Warning", "1", eventTime),
		Detail: spotinterruption.Detail{
			InstanceID:     instanceID,
			InstanceAction: "terminate",
		},
	})
}

// StateChangeMessage returns the JSON body of an instance state change
// notification.
func StateChangeMessage(instanceID string, state string, eventTime time.Time) string {
	return marshal(statechange.Message{
		Metadata: metadata("aws.ec2", "EC2 Instance State-change Notification", "1", eventTime),
		Detail: statechange.Detail{
			InstanceID: instanceID,
			State:      state,
		},
	})
}

// RebalanceRecommendationMessage returns the JSON body of a rebalance
// recommendation.
func RebalanceRecommendationMessage(instanceID string, eventTime time.Time) string {
	return marshal(rebalancerecommendation.Message{
		Metadata: metadata("aws.ec2", "EC2 Instance Rebalance Recommendation", "0", eventTime),
		Detail: rebalancerecommendation.Detail{
			InstanceID: instanceID,
		},
	})
}

// ScheduledChangeMessage returns the JSON body of an AWS Health scheduled
// change event affecting the instance.
func ScheduledChangeMessage(instanceID string, eventTime time.Time) string {
	return marshal(scheduledchange.Message{
		Metadata: metadata("aws.health", "AWS Health Event", "1", eventTime),
		Detail: scheduledchange.Detail{
			Service:           "EC2",
			EventTypeCategory: "scheduledChange",
			AffectedEntities: []scheduledchange.AffectedEntity{
				{EntityValue: instanceID},
			},
		},
	})
}

func marshal(message any) string {
	raw, err := json.Marshal(message)
	if err != nil {
		panic(fmt.Sprintf("marshaling test message, %s", err))
	}
	return string(raw)
}
