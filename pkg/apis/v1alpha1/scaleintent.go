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

package v1alpha1

import (
	"fmt"
)

type ScaleDirection string

const (
	ScaleDirectionUp   ScaleDirection = "Up"
	ScaleDirectionDown ScaleDirection = "Down"
)

// ScaleIntent is an instruction emitted by the scaling controller for a single
// pool. Intents are ephemeral; they are handed to the node pool driver the tick
// they are produced and never persisted. The driver's acknowledgment, not the
// intent, is authoritative for the resulting pool size.
type ScaleIntent struct {
	Pool      string
	Direction ScaleDirection
	// Delta is always positive; Direction carries the sign.
	Delta  int
	Reason string
}

func (s ScaleIntent) String() string {
	return fmt.Sprintf("%s/%s/%d (%s)", s.Pool, s.Direction, s.Delta, s.Reason)
}
