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

package cache

import (
	"context"
	"fmt"
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/patrickmn/go-cache"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
	"github.com/cistack/capacity-controller/pkg/utils/logging"
)

const (
	// UnavailableProfilesTTL is how long a profile is skipped after a capacity
	// error before the launch path tries it again.
	UnavailableProfilesTTL = 3 * time.Minute
	// CleanupInterval triggers cache cleanup (lazy eviction) at this interval
	CleanupInterval = 1 * time.Minute
)

// UnavailableProfiles stores profiles that recently returned capacity errors when
// attempting to launch. The launch path skips cached profiles and falls through
// to the pool's next candidate as long as the entry lives.
type UnavailableProfiles struct {
	// key: <capacityType>:<instanceType>:<zone>, value: struct{}{}
	cache *cache.Cache
}

func NewUnavailableProfiles(c *cache.Cache) *UnavailableProfiles {
	return &UnavailableProfiles{cache: c}
}

// IsUnavailable returns true if the profile appears in the cache
func (u *UnavailableProfiles) IsUnavailable(profile v1alpha1.InstanceProfile, capacityType v1alpha1.CapacityType) bool {
	_, found := u.cache.Get(u.key(profile, capacityType))
	return found
}

// MarkUnavailable communicates recently observed temporary capacity shortages for
// the provided profile
func (u *UnavailableProfiles) MarkUnavailable(ctx context.Context, unavailableReason string, profile v1alpha1.InstanceProfile, capacityType v1alpha1.CapacityType) {
	// even if the key is already in the cache, we still need to call Set to
	// extend the cached entry's TTL
	logging.FromContext(ctx).With(
		"unavailable-reason", unavailableReason,
		"instance-type", profile.InstanceType,
		"zone", profile.Zone,
		"capacity-type", capacityType,
		"ttl", UnavailableProfilesTTL).Debugf("marking profile unavailable")
	u.cache.SetDefault(u.key(profile, capacityType), struct{}{})
}

// MarkUnavailableForFleetErr caches the profile named by a CreateFleet error entry
func (u *UnavailableProfiles) MarkUnavailableForFleetErr(ctx context.Context, fleetErr ec2types.CreateFleetError, capacityType v1alpha1.CapacityType) {
	if fleetErr.LaunchTemplateAndOverrides == nil || fleetErr.LaunchTemplateAndOverrides.Overrides == nil {
		return
	}
	overrides := fleetErr.LaunchTemplateAndOverrides.Overrides
	profile := v1alpha1.InstanceProfile{
		InstanceType: string(overrides.InstanceType),
	}
	if overrides.AvailabilityZone != nil {
		profile.Zone = *overrides.AvailabilityZone
	}
	reason := ""
	if fleetErr.ErrorCode != nil {
		reason = *fleetErr.ErrorCode
	}
	u.MarkUnavailable(ctx, reason, profile, capacityType)
}

func (u *UnavailableProfiles) key(profile v1alpha1.InstanceProfile, capacityType v1alpha1.CapacityType) string {
	return fmt.Sprintf("%s:%s:%s", capacityType, profile.InstanceType, profile.Zone)
}
