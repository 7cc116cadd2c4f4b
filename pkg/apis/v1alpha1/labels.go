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

const (
	// ClusterTagKey marks instances as owned by this controller for a given
	// deployment; instances without it are never touched.
	ClusterTagKey = "capacity.cistack.io/cluster"
	// PoolTagKey records the pool an instance was launched for.
	PoolTagKey = "capacity.cistack.io/pool"
	// CapacityTypeTagKey records the capacity type an instance was launched with.
	CapacityTypeTagKey = "capacity.cistack.io/capacity-type"
)
