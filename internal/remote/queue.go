package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Queue publishes jobs for remote workers
type Queue interface {
	Submit(ctx context.Context, job *Job) error
}

// SQSAPI is the subset of the SQS client used here
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue publishes each job as one JSON message to a named queue, with the
// target architecture as a message attribute so workers can filter.
type SQSQueue struct {
	client SQSAPI
	url    string
}

func NewSQSQueue(client SQSAPI, url string) *SQSQueue {
	return &SQSQueue{client: client, url: url}
}

// OpenSQS loads the default AWS credential chain and returns a queue for url
func OpenSQS(ctx context.Context, url, region string) (*SQSQueue, error) {
	if url == "" {
		return nil, fmt.Errorf("queue url is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewSQSQueue(sqs.NewFromConfig(cfg), url), nil
}

func (q *SQSQueue) Submit(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"arch": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Arch),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send job %s: %w", job.ID, err)
	}

	return nil
}
