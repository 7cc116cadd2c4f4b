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

// Package settings holds the operator-facing static configuration: the node pool
// definitions and the controller tunables. Settings are parsed once at startup
// from a TOML file and injected into context for the controllers.
package settings

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

type settingsKeyType struct{}

var ContextKey = settingsKeyType{}

// Pool is the static definition of one node pool.
type Pool struct {
	Name           string                     `toml:"name"`
	CapacityType   v1alpha1.CapacityType      `toml:"capacityType"`
	Profiles       []v1alpha1.InstanceProfile `toml:"profiles"`
	MinSize        int                        `toml:"minSize"`
	MaxSize        int                        `toml:"maxSize"`
	PlacementLabel string                     `toml:"placementLabel"`
	Exclusive      bool                       `toml:"exclusive"`
}

type Settings struct {
	// TickInterval is the scaling controller's evaluation cadence.
	TickInterval time.Duration `toml:"tickInterval"`
	// Cooldown suppresses further intents for a pool after a scaling action.
	Cooldown time.Duration `toml:"cooldown"`
	// IdleThreshold is the fraction of a pool's ready nodes that must be idle
	// before scale-down is considered.
	IdleThreshold float64 `toml:"idleThreshold"`
	// IdleDuration is how long a node must be idle before it is a scale-down
	// candidate.
	IdleDuration time.Duration `toml:"idleDuration"`
	// DrainSafetyMargin is subtracted from a provider-imposed termination
	// deadline to bound the drain window.
	DrainSafetyMargin time.Duration `toml:"drainSafetyMargin"`
	// VoluntaryDrainDeadline bounds drains initiated by scale-down rather than a
	// provider interruption.
	VoluntaryDrainDeadline time.Duration `toml:"voluntaryDrainDeadline"`
	// DriverTimeout bounds a single node pool driver call.
	DriverTimeout time.Duration `toml:"driverTimeout"`
	// MaxLaunchBatch caps the nodes requested in one driver call; remaining
	// demand carries to the next tick.
	MaxLaunchBatch int `toml:"maxLaunchBatch"`
	// AgentsMayUseReserved allows build-agent demand to fall back to
	// non-exclusive reserved pools when elastic capacity is exhausted.
	AgentsMayUseReserved bool `toml:"agentsMayUseReserved"`
	// InterruptionQueueName is the SQS queue receiving interruption notices.
	// Interruption handling is disabled when empty.
	InterruptionQueueName string `toml:"interruptionQueueName"`

	Pools []Pool `toml:"pools"`
}

func defaultSettings() Settings {
	return Settings{
		TickInterval:           10 * time.Second,
		Cooldown:               2 * time.Minute,
		IdleThreshold:          0.5,
		IdleDuration:           5 * time.Minute,
		DrainSafetyMargin:      5 * time.Second,
		VoluntaryDrainDeadline: 10 * time.Minute,
		DriverTimeout:          30 * time.Second,
		MaxLaunchBatch:         10,
	}
}

// ParseFile reads settings from the given TOML file, applying defaults for
// anything unset, and validates the result.
func ParseFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings file, %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Settings, error) {
	var f fileSettings
	if err := toml.Unmarshal(data, &f); err != nil {
		return Settings{}, fmt.Errorf("unmarshalling settings, %w", err)
	}
	s := f.apply(defaultSettings())
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("validating settings, %w", err)
	}
	return s, nil
}

// duration adds the text unmarshalling TOML needs to decode "10s" style values.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// fileSettings mirrors Settings with optional fields so unset keys fall back to
// the defaults rather than zero values.
type fileSettings struct {
	TickInterval           *duration `toml:"tickInterval"`
	Cooldown               *duration `toml:"cooldown"`
	IdleThreshold          *float64  `toml:"idleThreshold"`
	IdleDuration           *duration `toml:"idleDuration"`
	DrainSafetyMargin      *duration `toml:"drainSafetyMargin"`
	VoluntaryDrainDeadline *duration `toml:"voluntaryDrainDeadline"`
	DriverTimeout          *duration `toml:"driverTimeout"`
	MaxLaunchBatch         *int      `toml:"maxLaunchBatch"`
	AgentsMayUseReserved   *bool     `toml:"agentsMayUseReserved"`
	InterruptionQueueName  *string   `toml:"interruptionQueueName"`
	Pools                  []Pool    `toml:"pools"`
}

func (f fileSettings) apply(s Settings) Settings {
	if f.TickInterval != nil {
		s.TickInterval = time.Duration(*f.TickInterval)
	}
	if f.Cooldown != nil {
		s.Cooldown = time.Duration(*f.Cooldown)
	}
	if f.IdleThreshold != nil {
		s.IdleThreshold = *f.IdleThreshold
	}
	if f.IdleDuration != nil {
		s.IdleDuration = time.Duration(*f.IdleDuration)
	}
	if f.DrainSafetyMargin != nil {
		s.DrainSafetyMargin = time.Duration(*f.DrainSafetyMargin)
	}
	if f.VoluntaryDrainDeadline != nil {
		s.VoluntaryDrainDeadline = time.Duration(*f.VoluntaryDrainDeadline)
	}
	if f.DriverTimeout != nil {
		s.DriverTimeout = time.Duration(*f.DriverTimeout)
	}
	if f.MaxLaunchBatch != nil {
		s.MaxLaunchBatch = *f.MaxLaunchBatch
	}
	if f.AgentsMayUseReserved != nil {
		s.AgentsMayUseReserved = *f.AgentsMayUseReserved
	}
	if f.InterruptionQueueName != nil {
		s.InterruptionQueueName = *f.InterruptionQueueName
	}
	s.Pools = f.Pools
	return s
}

// NodePools materializes the configured pools, starting each at its minimum size.
func (s Settings) NodePools() []*v1alpha1.NodePool {
	pools := make([]*v1alpha1.NodePool, 0, len(s.Pools))
	for _, p := range s.Pools {
		pools = append(pools, &v1alpha1.NodePool{
			Name:           p.Name,
			CapacityType:   p.CapacityType,
			Profiles:       p.Profiles,
			MinSize:        p.MinSize,
			MaxSize:        p.MaxSize,
			DesiredSize:    p.MinSize,
			PlacementLabel: p.PlacementLabel,
			Exclusive:      p.Exclusive,
		})
	}
	return pools
}

func ToContext(ctx context.Context, s Settings) context.Context {
	return context.WithValue(ctx, ContextKey, s)
}

func FromContext(ctx context.Context) Settings {
	data := ctx.Value(ContextKey)
	if data == nil {
		// The settings are injected at startup; a missing value is a wiring bug.
		panic("settings doesn't exist in context")
	}
	return data.(Settings)
}
