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

package scheduledchange

import (
	"github.com/samber/lo"

	"github.com/cistack/capacity-controller/pkg/controllers/interruption/messages"
)

// Message contains the properties defined in AWS EventBridge schema
// aws.health@AWSHealthEvent v1.
type Message struct {
	messages.Metadata

	Detail Detail `json:"detail"`
}

type Detail struct {
	EventARN          string             `json:"eventArn"`
	EventTypeCode     string             `json:"eventTypeCode"`
	Service           string             `json:"service"`
	EventTypeCategory string             `json:"eventTypeCategory"`
	StartTime         string             `json:"startTime"`
	EventDescription  []EventDescription `json:"eventDescription"`
	AffectedEntities  []AffectedEntity   `json:"affectedEntities"`
}

type EventDescription struct {
	LatestDescription string `json:"latestDescription"`
	Language          string `json:"language"`
}

type AffectedEntity struct {
	EntityValue string `json:"entityValue"`
}

func (m Message) EC2InstanceIDs() []string {
	return lo.Map(m.Detail.AffectedEntities, func(entity AffectedEntity, _ int) string {
		return entity.EntityValue
	})
}

func (Message) Kind() messages.Kind {
	return messages.ScheduledChangeKind
}
