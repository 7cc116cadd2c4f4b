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

// Package messages defines the EventBridge message envelope delivered on the
// interruption queue and the per-schema parsers for the event types we act on.
package messages

import (
	"time"
)

type Parser interface {
	Parse(raw string) (Message, error)

	Version() string
	Source() string
	DetailType() string
}

type Message interface {
	EC2InstanceIDs() []string
	Kind() Kind
	StartTime() time.Time
}

type Kind string

const (
	SpotInterruptionKind        Kind = "SpotInterruptionKind"
	RebalanceRecommendationKind Kind = "RebalanceRecommendationKind"
	ScheduledChangeKind         Kind = "ScheduledChangeKind"
	StateChangeKind             Kind = "StateChangeKind"
	NoOpKind                    Kind = "NoOpKind"
)

// Metadata is the EventBridge envelope shared by every message schema.
type Metadata struct {
	Account    string    `json:"account"`
	DetailType string    `json:"detail-type"`
	ID         string    `json:"id"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Source     string    `json:"source"`
	Time       time.Time `json:"time"`
	Version    string    `json:"version"`
}

// StartTime is when the event entered the queue, used for latency metrics and
// for anchoring interruption deadlines.
func (m Metadata) StartTime() time.Time {
	return m.Time
}
