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

package sqs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	servicesqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	sdk "github.com/cistack/capacity-controller/pkg/aws"
)

type Provider interface {
	Name() string
	GetSQSMessages(context.Context) ([]sqstypes.Message, error)
	DeleteSQSMessage(context.Context, sqstypes.Message) error
}

// DefaultProvider long-polls the interruption queue that EventBridge feeds with
// spot interruption warnings and instance state changes.
type DefaultProvider struct {
	client sdk.SQSAPI

	queueName string
	mu        sync.Mutex
	queueURL  string
}

func NewDefaultProvider(client sdk.SQSAPI, queueName string) *DefaultProvider {
	return &DefaultProvider{
		client:    client,
		queueName: queueName,
	}
}

func (p *DefaultProvider) Name() string {
	return p.queueName
}

func (p *DefaultProvider) GetSQSMessages(ctx context.Context) ([]sqstypes.Message, error) {
	queueURL, err := p.discoverQueueURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering queue url, %w", err)
	}
	input := &servicesqs.ReceiveMessageInput{
		MaxNumberOfMessages: 10,
		VisibilityTimeout:   20, // Seconds
		WaitTimeSeconds:     20, // Seconds, maximum for long polling
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{string(sqstypes.QueueAttributeNameAll)},
		QueueUrl:              aws.String(queueURL),
	}
	result, err := p.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receiving sqs messages, %w", err)
	}
	return result.Messages, nil
}

func (p *DefaultProvider) DeleteSQSMessage(ctx context.Context, msg sqstypes.Message) error {
	queueURL, err := p.discoverQueueURL(ctx)
	if err != nil {
		return fmt.Errorf("discovering queue url, %w", err)
	}
	input := &servicesqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}
	if _, err := p.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("deleting message from queue, %w", err)
	}
	return nil
}

// discoverQueueURL resolves and caches the queue url for the configured name.
// Queue names may be passed as a bare name or a full url.
func (p *DefaultProvider) discoverQueueURL(ctx context.Context) (string, error) {
	if strings.HasPrefix(p.queueName, "https://") {
		return p.queueName, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queueURL != "" {
		return p.queueURL, nil
	}
	out, err := p.client.GetQueueUrl(ctx, &servicesqs.GetQueueUrlInput{QueueName: aws.String(p.queueName)})
	if err != nil {
		return "", fmt.Errorf("fetching queue url for %q, %w", p.queueName, err)
	}
	p.queueURL = aws.ToString(out.QueueUrl)
	return p.queueURL, nil
}
