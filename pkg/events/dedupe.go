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

package events

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

// NewDedupeRecorder suppresses duplicate events for the same subject within a
// short window. Interruption notices and drain progress repeat on every poll;
// without this the event stream is mostly noise.
func NewDedupeRecorder(r Recorder) Recorder {
	return &dedupe{
		rec:   r,
		cache: cache.New(120*time.Second, 10*time.Second),
	}
}

type dedupe struct {
	rec   Recorder
	cache *cache.Cache
}

func (d *dedupe) ScaleIntentIssued(intent v1alpha1.ScaleIntent) {
	// every intent is worth seeing
	d.rec.ScaleIntentIssued(intent)
}

func (d *dedupe) LaunchFailed(pool string, err error) {
	if !d.shouldCreateEvent(fmt.Sprintf("launch-failed-%s-%s", pool, err)) {
		return
	}
	d.rec.LaunchFailed(pool, err)
}

func (d *dedupe) NodeJoined(node *v1alpha1.Node) {
	if !d.shouldCreateEvent(fmt.Sprintf("node-joined-%s", node.ID)) {
		return
	}
	d.rec.NodeJoined(node)
}

func (d *dedupe) NodeInterrupted(node *v1alpha1.Node) {
	if !d.shouldCreateEvent(fmt.Sprintf("node-interrupted-%s", node.ID)) {
		return
	}
	d.rec.NodeInterrupted(node)
}

func (d *dedupe) NodeDraining(node *v1alpha1.Node, reason string) {
	if !d.shouldCreateEvent(fmt.Sprintf("node-draining-%s-%s", node.ID, reason)) {
		return
	}
	d.rec.NodeDraining(node, reason)
}

func (d *dedupe) NodeTerminated(nodeID string) {
	if !d.shouldCreateEvent(fmt.Sprintf("node-terminated-%s", nodeID)) {
		return
	}
	d.rec.NodeTerminated(nodeID)
}

func (d *dedupe) ForcedTermination(node *v1alpha1.Node, residualWorkloads int) {
	// never suppressed; this is the event operators alert on
	d.rec.ForcedTermination(node, residualWorkloads)
}

func (d *dedupe) RebalanceRecommendation(nodeID string) {
	if !d.shouldCreateEvent(fmt.Sprintf("rebalance-%s", nodeID)) {
		return
	}
	d.rec.RebalanceRecommendation(nodeID)
}

func (d *dedupe) shouldCreateEvent(key string) bool {
	if _, exists := d.cache.Get(key); exists {
		return false
	}
	d.cache.SetDefault(key, nil)
	return true
}
