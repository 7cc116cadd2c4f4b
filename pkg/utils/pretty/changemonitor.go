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

package pretty

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// ChangeMonitor is used to reduce logging when discovering information that may
// change. The values recorded expire after 24 hours by default so we log
// something at least once a day even when nothing changes.
type ChangeMonitor struct {
	lastSeen *cache.Cache
}

func NewChangeMonitor() *ChangeMonitor {
	return &ChangeMonitor{
		lastSeen: cache.New(24*time.Hour, 10*time.Minute),
	}
}

// HasChanged takes a key and an object and returns true if the object has
// changed since the last time it was recorded against that key.
func (c *ChangeMonitor) HasChanged(key string, value interface{}) bool {
	hv, err := hashstructure.Hash(value, hashstructure.FormatV2,
		&hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		// treat un-hashable values as always changed
		return true
	}
	newHash := fmt.Sprintf("%d", hv)
	existing, ok := c.lastSeen.Get(key)
	c.lastSeen.SetDefault(key, newHash)
	if !ok {
		return true
	}
	return existing.(string) != newHash
}
