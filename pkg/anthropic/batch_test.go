package anthropic

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPollBatch_EndsImmediately(t *testing.T) {
	mc := new(MockClient)
	mc.On("GetBatch", mock.Anything, "b1").Return(&BatchResponse{
		ID: "b1", ProcessingStatus: "ended", RequestCounts: RequestCounts{Succeeded: 5},
	}, nil)

	resp, err := PollBatch(context.Background(), mc, "b1", WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.RequestCounts.Succeeded)
	mc.AssertExpectations(t)
}

// countingClient reports in_progress until the threshold call.
type countingClient struct {
	MockClient
	calls     atomic.Int32
	threshold int32
}

func (c *countingClient) GetBatch(_ context.Context, id string) (*BatchResponse, error) {
	if c.calls.Add(1) < c.threshold {
		return &BatchResponse{ID: id, ProcessingStatus: "in_progress"}, nil
	}
	return &BatchResponse{ID: id, ProcessingStatus: "ended"}, nil
}

func TestPollBatch_ObservesProgress(t *testing.T) {
	mc := &countingClient{threshold: 3}
	var seen int
	resp, err := PollBatch(context.Background(), mc, "b2",
		WithPollInterval(2*time.Millisecond),
		WithPollCap(4*time.Millisecond),
		WithPollObserver(func(*BatchResponse) { seen++ }),
	)
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int32(3), mc.calls.Load())
	assert.Equal(t, 2, seen)
}

func TestPollBatch_TerminalFailures(t *testing.T) {
	for _, status := range []string{"expired", "canceled", "canceling"} {
		t.Run(status, func(t *testing.T) {
			mc := new(MockClient)
			mc.On("GetBatch", mock.Anything, "b3").Return(&BatchResponse{ID: "b3", ProcessingStatus: status}, nil)

			resp, err := PollBatch(context.Background(), mc, "b3", WithPollInterval(time.Millisecond))
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, status, resp.ProcessingStatus)
		})
	}
}

func TestPollBatch_Timeout(t *testing.T) {
	mc := new(MockClient)
	mc.On("GetBatch", mock.Anything, "b4").Return(&BatchResponse{ID: "b4", ProcessingStatus: "in_progress"}, nil)

	_, err := PollBatch(context.Background(), mc, "b4",
		WithPollInterval(5*time.Millisecond),
		WithPollCap(10*time.Millisecond),
		WithPollTimeout(40*time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollBatch_APIError(t *testing.T) {
	mc := new(MockClient)
	mc.On("GetBatch", mock.Anything, "b5").Return(nil, fmt.Errorf("api error: 500"))

	_, err := PollBatch(context.Background(), mc, "b5", WithPollInterval(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api error: 500")
}

func TestCollectBatchResultsDetailed(t *testing.T) {
	iter := newSliceIterator([]BatchResultItem{
		{CustomID: "1", Type: "succeeded", Message: &MessageResponse{Content: []ContentBlock{{Type: "text", Text: "a"}}}},
		{CustomID: "2", Type: "expired"},
		{CustomID: "3", Type: "succeeded"},
	}, nil)

	res, err := CollectBatchResultsDetailed(iter)
	require.NoError(t, err)
	assert.True(t, iter.closed)
	assert.Len(t, res.Succeeded, 1)
	assert.Len(t, res.Failures, 2)
}

func TestCollectBatchResultsDetailed_IteratorError(t *testing.T) {
	iter := newSliceIterator(nil, fmt.Errorf("stream interrupted"))
	_, err := CollectBatchResultsDetailed(iter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream interrupted")
}
