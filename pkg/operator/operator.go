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

// Package operator hosts the long-running process shell: it owns the signal
// context, the metrics endpoint, and the loop that drives each controller's
// Reconcile on the interval the controller asks for.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/cistack/capacity-controller/pkg/operator/options"
	"github.com/cistack/capacity-controller/pkg/utils/logging"
)

// Controller is a single reconciliation loop. Reconcile returns how long the
// operator should wait before the next invocation; zero means re-invoke
// immediately (controllers that block internally, like long-polling consumers,
// return zero).
type Controller interface {
	Name() string
	Reconcile(ctx context.Context) (time.Duration, error)
}

type Operator struct {
	clk         clock.Clock
	controllers []Controller
}

func NewOperator(clk clock.Clock) *Operator {
	return &Operator{clk: clk}
}

func (o *Operator) WithControllers(controllers ...Controller) *Operator {
	o.controllers = append(o.controllers, controllers...)
	return o
}

// NewSignalContext returns a context canceled on SIGINT or SIGTERM.
func NewSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Start runs every controller loop and the metrics endpoint until the context
// is canceled. Controller errors are logged and retried on the next tick; only
// a metrics listener failure tears the process down.
func (o *Operator) Start(ctx context.Context, opts *options.Options) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return o.serveMetrics(ctx, opts.MetricsPort)
	})
	for _, c := range o.controllers {
		group.Go(func() error {
			o.run(ctx, c)
			return nil
		})
	}
	return group.Wait()
}

func (o *Operator) run(ctx context.Context, c Controller) {
	logger := logging.FromContext(ctx).Named(c.Name())
	logger.Infof("starting controller")
	for {
		delay, err := c.Reconcile(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Errorf("reconciling, %s", err)
		}
		if delay <= 0 {
			delay = time.Millisecond
		}
		select {
		case <-ctx.Done():
			logger.Infof("stopping controller")
			return
		case <-o.clk.After(delay):
		}
	}
}

func (o *Operator) serveMetrics(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("serving metrics, %w", err)
	}
}
