package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/compilerd/internal/request"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}

	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSQueue_Submit(t *testing.T) {
	client := &fakeSQS{}
	queue := NewSQSQueue(client, "https://sqs.example/queue")
	job := newTestJob(t, request.BypassNone)

	require.NoError(t, queue.Submit(context.Background(), job))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "https://sqs.example/queue", aws.ToString(in.QueueUrl))
	assert.Equal(t, "aarch64", aws.ToString(in.MessageAttributes["arch"].StringValue))

	var decoded Job
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.Fingerprint, decoded.Fingerprint)
	assert.Equal(t, "int main() {}", decoded.Request.Source)
}

func TestSQSQueue_SubmitError(t *testing.T) {
	cause := errors.New("throttled")
	queue := NewSQSQueue(&fakeSQS{err: cause}, "q")

	err := queue.Submit(context.Background(), newTestJob(t, request.BypassNone))
	assert.ErrorIs(t, err, cause)
}
