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

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/cistack/capacity-controller/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	ClusterName       string
	SettingsFile      string
	SchedulerEndpoint string
	MetricsPort       int
	Verbose           bool
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("capacity-controller", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ClusterName, "cluster-name", env.WithDefaultString("CLUSTER_NAME", ""), "The cluster name used to discover nodes owned by this controller")
	f.StringVar(&opts.SettingsFile, "settings-file", env.WithDefaultString("SETTINGS_FILE", "settings.toml"), "Path to the TOML settings file defining pools and controller tunables")
	f.StringVar(&opts.SchedulerEndpoint, "scheduler-endpoint", env.WithDefaultString("SCHEDULER_ENDPOINT", ""), "Base URL of the workload scheduler's capacity API")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the controller itself")
	f.BoolVar(&opts.Verbose, "verbose", env.WithDefaultBool("VERBOSE", false), "Enable debug logging")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.ClusterName == "" {
		err = multierr.Append(err, fmt.Errorf("CLUSTER_NAME is required"))
	}
	if o.SettingsFile == "" {
		err = multierr.Append(err, fmt.Errorf("SETTINGS_FILE is required"))
	}
	if o.SchedulerEndpoint == "" {
		err = multierr.Append(err, fmt.Errorf("SCHEDULER_ENDPOINT is required"))
	}
	if o.MetricsPort <= 0 || o.MetricsPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("metrics-port must be a valid port number"))
	}
	return err
}
