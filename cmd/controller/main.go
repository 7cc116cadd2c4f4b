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

package main

import (
	gocache "github.com/patrickmn/go-cache"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"k8s.io/utils/clock"

	"github.com/cistack/capacity-controller/pkg/apis/settings"
	awscache "github.com/cistack/capacity-controller/pkg/cache"
	"github.com/cistack/capacity-controller/pkg/controllers/interruption"
	"github.com/cistack/capacity-controller/pkg/controllers/nodelifecycle"
	"github.com/cistack/capacity-controller/pkg/controllers/scaling"
	"github.com/cistack/capacity-controller/pkg/controllers/termination"
	"github.com/cistack/capacity-controller/pkg/events"
	"github.com/cistack/capacity-controller/pkg/operator"
	"github.com/cistack/capacity-controller/pkg/operator/options"
	"github.com/cistack/capacity-controller/pkg/providers/instance"
	"github.com/cistack/capacity-controller/pkg/providers/sqs"
	"github.com/cistack/capacity-controller/pkg/scheduler"
	"github.com/cistack/capacity-controller/pkg/state"
	"github.com/cistack/capacity-controller/pkg/utils/logging"
)

func main() {
	opts := options.New().MustParse()
	logger := logging.NewLogger(opts.Verbose)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := operator.NewSignalContext()
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	s, err := settings.ParseFile(opts.SettingsFile)
	if err != nil {
		logger.Fatalf("parsing settings file %q, %s", opts.SettingsFile, err)
	}
	ctx = settings.ToContext(ctx, s)

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatalf("loading AWS configuration, %s", err)
	}

	clk := clock.RealClock{}
	unavailableProfiles := awscache.NewUnavailableProfiles(
		gocache.New(awscache.UnavailableProfilesTTL, awscache.CleanupInterval))
	cluster := state.NewCluster(clk, s.NodePools())
	recorder := events.NewDedupeRecorder(events.NewRecorder(logger))

	cloudProvider := instance.NewProvider(opts.ClusterName, ec2.NewFromConfig(cfg), unavailableProfiles, clk)
	sched, err := scheduler.NewClient(opts.SchedulerEndpoint)
	if err != nil {
		logger.Fatalf("configuring scheduler client, %s", err)
	}
	terminator := termination.NewTerminator(clk, cluster, cloudProvider, sched, recorder)

	logger.With("cluster", opts.ClusterName, "pools", len(s.Pools)).Infof("starting capacity controller")
	if err := operator.NewOperator(clk).
		WithControllers(
			scaling.NewController(clk, cluster, cloudProvider, sched, terminator, recorder),
			nodelifecycle.NewController(clk, cluster, cloudProvider, sched, recorder),
			interruption.NewController(clk, cluster, recorder,
				sqs.NewDefaultProvider(awssqs.NewFromConfig(cfg), s.InterruptionQueueName),
				unavailableProfiles, terminator),
		).
		Start(ctx, opts); err != nil {
		logger.Fatalf("operator exited, %s", err)
	}
}
