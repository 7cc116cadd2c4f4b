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

package settings

import (
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

func (s Settings) Validate() (err error) {
	if s.TickInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("tickInterval must be positive"))
	}
	if s.Cooldown < 0 {
		err = multierr.Append(err, fmt.Errorf("cooldown may not be negative"))
	}
	if s.IdleThreshold < 0 || s.IdleThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("idleThreshold must be within [0, 1]"))
	}
	if s.DrainSafetyMargin < 0 {
		err = multierr.Append(err, fmt.Errorf("drainSafetyMargin may not be negative"))
	}
	if s.MaxLaunchBatch <= 0 {
		err = multierr.Append(err, fmt.Errorf("maxLaunchBatch must be positive"))
	}
	if len(s.Pools) == 0 {
		err = multierr.Append(err, fmt.Errorf("at least one pool must be configured"))
	}
	names := map[string]struct{}{}
	for _, p := range s.Pools {
		err = multierr.Append(err, p.validate())
		if _, ok := names[p.Name]; ok {
			err = multierr.Append(err, fmt.Errorf("pool %q is defined more than once", p.Name))
		}
		names[p.Name] = struct{}{}
	}
	return err
}

func (p Pool) validate() (err error) {
	if p.Name == "" {
		err = multierr.Append(err, fmt.Errorf("pool name is required"))
	}
	if !lo.Contains([]v1alpha1.CapacityType{v1alpha1.CapacityTypeReserved, v1alpha1.CapacityTypeElastic}, p.CapacityType) {
		err = multierr.Append(err, fmt.Errorf("pool %q capacityType must be either %s or %s",
			p.Name, v1alpha1.CapacityTypeReserved, v1alpha1.CapacityTypeElastic))
	}
	if len(p.Profiles) == 0 {
		err = multierr.Append(err, fmt.Errorf("pool %q requires at least one profile", p.Name))
	}
	for i, profile := range p.Profiles {
		if profile.InstanceType == "" || profile.Zone == "" {
			err = multierr.Append(err, fmt.Errorf("pool %q profile %d requires instanceType and zone", p.Name, i))
		}
	}
	if p.MinSize < 0 {
		err = multierr.Append(err, fmt.Errorf("pool %q minSize may not be negative", p.Name))
	}
	if p.MaxSize < p.MinSize {
		err = multierr.Append(err, fmt.Errorf("pool %q maxSize must be at least minSize", p.Name))
	}
	if p.PlacementLabel == "" {
		err = multierr.Append(err, fmt.Errorf("pool %q placementLabel is required", p.Name))
	}
	return err
}
