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

// Package errors classifies AWS API errors into the taxonomy the controllers act
// on. Capacity shortages and stale ids are recoverable and handled inline; only
// genuinely unexpected errors bubble up to the tick loop.
package errors

import (
	"errors"

	"github.com/aws/smithy-go"
)

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = map[string]struct{}{
		"InvalidInstanceID.NotFound":                  {},
		"InvalidLaunchTemplateName.NotFoundException": {},
		"AWS.SimpleQueueService.NonExistentQueue":     {},
		"QueueDoesNotExist":                           {},
	}
	// unfulfillableCapacityErrorCodes signify that capacity is temporarily unable
	// to be launched for the requested profile
	unfulfillableCapacityErrorCodes = map[string]struct{}{
		"InsufficientInstanceCapacity": {},
		"MaxSpotInstanceCountExceeded": {},
		"SpotMaxPriceTooLow":           {},
		"VcpuLimitExceeded":            {},
		"UnfulfillableCapacity":        {},
		"Unsupported":                  {},
	}
	throttlingErrorCodes = map[string]struct{}{
		"Throttling":                {},
		"RequestLimitExceeded":      {},
		"RequestThrottled":          {},
		"EC2ThrottledException":     {},
		"TooManyRequestsException":  {},
		"ProvisionedThroughputExceededException": {},
	}
)

// IsNotFound returns true if the err is an AWS error indicating that the
// referenced resource no longer exists. Termination of an already-gone instance
// is treated as success by callers.
func IsNotFound(err error) bool {
	return hasCode(err, notFoundErrorCodes)
}

// IsUnfulfillableCapacity returns true if the err means the requested profile
// cannot currently be launched. The launch path falls back to the next candidate
// profile when it sees this.
func IsUnfulfillableCapacity(err error) bool {
	return hasCode(err, unfulfillableCapacityErrorCodes)
}

// IsUnfulfillableCapacityCode classifies a CreateFleet error entry, which carries
// a bare code rather than an error value.
func IsUnfulfillableCapacityCode(code string) bool {
	_, ok := unfulfillableCapacityErrorCodes[code]
	return ok
}

// IsThrottling returns true for rate-limit errors worth retrying with backoff.
func IsThrottling(err error) bool {
	return hasCode(err, throttlingErrorCodes)
}

func hasCode(err error, codes map[string]struct{}) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := codes[apiErr.ErrorCode()]
		return ok
	}
	return false
}
