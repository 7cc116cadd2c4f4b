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

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"

	"github.com/cistack/capacity-controller/pkg/apis/v1alpha1"
)

// Client talks JSON over HTTP to the scheduler's capacity API. Requests are
// retried a few times on transport errors; anything past that bubbles up so
// the calling tick can log it and try again on the next interval.
type Client struct {
	endpoint   *url.URL
	httpClient *http.Client
}

func NewClient(endpoint string) (*Client, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil || !parsed.IsAbs() {
		return nil, fmt.Errorf("%q is not a valid scheduler endpoint URL", endpoint)
	}
	return &Client{
		endpoint:   parsed,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *Client) ListUnplaceableDemand(ctx context.Context) ([]v1alpha1.WorkloadDemand, error) {
	var demand []v1alpha1.WorkloadDemand
	if err := c.get(ctx, "/v1/demand/unplaceable", &demand); err != nil {
		return nil, fmt.Errorf("listing unplaceable demand, %w", err)
	}
	return demand, nil
}

func (c *Client) ListWorkloads(ctx context.Context, nodeID string) ([]v1alpha1.Workload, error) {
	var workloads []v1alpha1.Workload
	if err := c.get(ctx, fmt.Sprintf("/v1/nodes/%s/workloads", url.PathEscape(nodeID)), &workloads); err != nil {
		return nil, fmt.Errorf("listing workloads on node %s, %w", nodeID, err)
	}
	return workloads, nil
}

func (c *Client) EvictWorkloads(ctx context.Context, nodeID string, gracePeriod time.Duration) error {
	body, err := json.Marshal(map[string]any{"gracePeriodSeconds": int(gracePeriod.Seconds())})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/nodes/%s/evictions", url.PathEscape(nodeID))
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("evicting workloads on node %s, %w", nodeID, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method string, path string, body []byte, out any) error {
	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint.JoinPath(path).String(), requestBody(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err = fmt.Errorf("scheduler responded %d, %s", resp.StatusCode, payload)
			if resp.StatusCode < 500 {
				return retry.Unrecoverable(err)
			}
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decoding scheduler response, %w", err))
		}
		return nil
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(200*time.Millisecond), retry.LastErrorOnly(true))
}

func requestBody(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
