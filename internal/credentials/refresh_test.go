package credentials

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/tablepay/internal/aws"
)

type recordingSQS struct {
	inputs []*sqs.SendMessageInput
}

func (r *recordingSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	r.inputs = append(r.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestRefreshQueue_RequestRefresh(t *testing.T) {
	rec := &recordingSQS{}
	q := NewRefreshQueue(aws.NewPublisher(rec, "https://sqs.test/refresh"))
	q.nowFunc = func() time.Time { return dirNow }

	require.NoError(t, q.RequestRefresh(context.Background(), "est-1"))
	require.Len(t, rec.inputs, 1)

	var msg RefreshMessage
	require.NoError(t, json.Unmarshal([]byte(*rec.inputs[0].MessageBody), &msg))
	assert.Equal(t, "est-1", msg.EstablishmentID)
	assert.True(t, msg.RequestedAt.Equal(dirNow))
	assert.Equal(t, "est-1", *rec.inputs[0].MessageAttributes["establishment_id"].StringValue)
}

func TestRefreshQueue_NoQueue(t *testing.T) {
	q := NewRefreshQueue(aws.NewPublisher(&recordingSQS{}, ""))
	assert.ErrorIs(t, q.RequestRefresh(context.Background(), "est-1"), aws.ErrNoQueue)
}
