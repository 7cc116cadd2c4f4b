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
	"sync"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/events"
)

// RecordedEvent is a single Recorder call, keyed by the interface method name.
type RecordedEvent struct {
	Kind   string
	Pool   string
	NodeID string
	Intent v1alpha1.ScaleIntent
	Reason string
	Count  int
	Err    error
}

// Recorder captures every emitted event for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

var _ events.Recorder = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Events returns every recorded event of the given kind, or all events when
// kind is empty.
func (r *Recorder) Events(kind string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []RecordedEvent
	for _, event := range r.events {
		if kind == "" || event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func (r *Recorder) Calls(kind string) int {
	return len(r.Events(kind))
}

func (r *Recorder) add(event RecordedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) ScaleIntentIssued(intent v1alpha1.ScaleIntent) {
	r.add(RecordedEvent{Kind: "ScaleIntentIssued", Pool: intent.Pool, Intent: intent})
}

func (r *Recorder) LaunchFailed(pool string, err error) {
	r.add(RecordedEvent{Kind: "LaunchFailed", Pool: pool, Err: err})
}

func (r *Recorder) NodeJoined(node *v1alpha1.Node) {
	r.add(RecordedEvent{Kind: "NodeJoined", Pool: node.PoolName, NodeID: node.ID})
}

func (r *Recorder) NodeInterrupted(node *v1alpha1.Node) {
	r.add(RecordedEvent{Kind: "NodeInterrupted", Pool: node.PoolName, NodeID: node.ID})
}

func (r *Recorder) NodeDraining(node *v1alpha1.Node, reason string) {
	r.add(RecordedEvent{Kind: "NodeDraining", Pool: node.PoolName, NodeID: node.ID, Reason: reason})
}

func (r *Recorder) NodeTerminated(nodeID string) {
	r.add(RecordedEvent{Kind: "NodeTerminated", NodeID: nodeID})
}

func (r *Recorder) ForcedTermination(node *v1alpha1.Node, residualWorkloads int) {
	r.add(RecordedEvent{Kind: "ForcedTermination", Pool: node.PoolName, NodeID: node.ID, Count: residualWorkloads})
}

func (r *Recorder) RebalanceRecommendation(nodeID string) {
	r.add(RecordedEvent{Kind: "RebalanceRecommendation", NodeID: nodeID})
}
