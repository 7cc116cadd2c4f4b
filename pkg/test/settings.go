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

package test

import (
	"context"
	"time"

	"github.com/cistack/capacity-controller/pkg/apis/settings"
)

// Settings returns controller settings with production defaults, suitable for
// injecting into a test context and tweaking per test.
func Settings() settings.Settings {
	return settings.Settings{
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

// Context returns a background context carrying the given settings.
func Context(s settings.Settings) context.Context {
	return settings.ToContext(context.Background(), s)
}
