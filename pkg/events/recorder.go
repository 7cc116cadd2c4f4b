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

// Package events publishes structured domain events so scaling actions and node
// lifecycle transitions are observable without log inspection.
package events

import (
	"go.uber.org/zap"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

// Recorder is used to record events about pools and nodes so every state
// transition the controllers drive is externally observable.
type Recorder interface {
	// ScaleIntentIssued is called when the scaling controller hands an intent to
	// the driver.
	ScaleIntentIssued(intent v1alpha1.ScaleIntent)
	// LaunchFailed is called when a scale-up could not be fulfilled this tick,
	// including when every candidate profile was exhausted.
	LaunchFailed(pool string, err error)
	// NodeJoined is called when the driver reports a new node in a pool.
	NodeJoined(node *v1alpha1.Node)
	// NodeInterrupted is called on receipt of an impending-termination signal.
	NodeInterrupted(node *v1alpha1.Node)
	// NodeDraining is called when a node enters the drain protocol.
	NodeDraining(node *v1alpha1.Node, reason string)
	// NodeTerminated is called on confirmed termination.
	NodeTerminated(nodeID string)
	// ForcedTermination is called when the drain bound elapsed with workloads
	// still present and the node was terminated anyway.
	ForcedTermination(node *v1alpha1.Node, residualWorkloads int)
	// RebalanceRecommendation is called when the provider suggests, but does not
	// require, moving off a node.
	RebalanceRecommendation(nodeID string)
}

type recorder struct {
	logger *zap.SugaredLogger
}

// NewRecorder returns a Recorder that emits structured log events.
func NewRecorder(logger *zap.SugaredLogger) Recorder {
	return &recorder{logger: logger.Named("events")}
}

func (r *recorder) ScaleIntentIssued(intent v1alpha1.ScaleIntent) {
	r.logger.With("pool", intent.Pool, "direction", intent.Direction, "delta", intent.Delta,
		"reason", intent.Reason).Infof("scale intent issued")
}

func (r *recorder) LaunchFailed(pool string, err error) {
	r.logger.With("pool", pool).Errorf("launch failed, %s", err)
}

func (r *recorder) NodeJoined(node *v1alpha1.Node) {
	r.logger.With("node", node.ID, "pool", node.PoolName, "profile", node.Profile).Infof("node joined")
}

func (r *recorder) NodeInterrupted(node *v1alpha1.Node) {
	r.logger.With("node", node.ID, "pool", node.PoolName, "deadline", node.InterruptionDeadline).
		Warnf("node received interruption notice")
}

func (r *recorder) NodeDraining(node *v1alpha1.Node, reason string) {
	r.logger.With("node", node.ID, "pool", node.PoolName, "reason", reason).Infof("node draining")
}

func (r *recorder) NodeTerminated(nodeID string) {
	r.logger.With("node", nodeID).Infof("node terminated")
}

func (r *recorder) ForcedTermination(node *v1alpha1.Node, residualWorkloads int) {
	r.logger.With("node", node.ID, "pool", node.PoolName, "residual-workloads", residualWorkloads).
		Errorf("drain deadline exceeded, node force-terminated with residual workloads")
}

func (r *recorder) RebalanceRecommendation(nodeID string) {
	r.logger.With("node", nodeID).Infof("rebalance recommendation received")
}
