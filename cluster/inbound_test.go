package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T, rpc RPCManager, segs ...SegmentID) *InboundTransferTask {
	t.Helper()
	task, err := NewInboundTransferTask(segs, "B", 7, rpc, time.Second, "c", nil)
	require.NoError(t, err)
	return task
}

func TestInboundConstructionPreconditions(t *testing.T) {
	rpc := newFakeRPC("A")

	_, err := NewInboundTransferTask(nil, "B", 1, rpc, time.Second, "c", nil)
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = NewInboundTransferTask([]SegmentID{1}, "", 1, rpc, time.Second, "c", nil)
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestInboundCompletesAfterAllLastChunks(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1, 2, 3)

	sig := task.RequestSegments(context.Background())
	assert.False(t, sig.IsDone(), "successful start must leave the signal pending")

	starts := rpc.callsOf(StartStateTransfer)
	require.Len(t, starts, 1)
	assert.Equal(t, NodeID("B"), starts[0].target)
	assert.Equal(t, ResponseModeSync, starts[0].mode)
	assert.Equal(t, NodeID("A"), starts[0].cmd.Origin)
	assert.Equal(t, 7, starts[0].cmd.TopologyID)
	assert.Empty(t, cmp.Diff([]SegmentID{1, 2, 3}, starts[0].cmd.Segments))

	task.OnStateReceived(1, false)
	task.OnStateReceived(1, true)
	task.OnStateReceived(2, true)
	assert.False(t, sig.IsDone())
	assert.Equal(t, []SegmentID{3}, task.UnfinishedSegments())

	task.OnStateReceived(3, true)
	o, err := sig.Result()
	require.NoError(t, err)
	assert.Equal(t, Succeeded, o)
	assert.True(t, task.CompletedSuccessfully())
	assert.Empty(t, task.UnfinishedSegments())
}

func TestInboundCancelSubsetThenComplete(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1, 2, 3)
	sig := task.RequestSegments(context.Background())

	require.NoError(t, task.CancelSegments([]SegmentID{2}))
	assert.Equal(t, []SegmentID{1, 3}, task.Segments())
	assert.False(t, task.IsCancelled())

	cancels := rpc.callsOf(CancelStateTransfer)
	require.Len(t, cancels, 1)
	assert.Equal(t, ResponseModeAsync, cancels[0].mode)
	assert.Equal(t, []SegmentID{2}, cancels[0].cmd.Segments)

	task.OnStateReceived(2, true) // no longer requested
	task.OnStateReceived(1, true)
	assert.False(t, sig.IsDone())
	task.OnStateReceived(3, true)

	o, _ := sig.Result()
	assert.Equal(t, Succeeded, o)
}

func TestInboundRequestFailurePreservesCause(t *testing.T) {
	rpc := newFakeRPC("A")
	boom := errors.New("boom")
	rpc.setReply(func(NodeID, *StateRequestCommand) (Response, bool, error) {
		return Response{Err: &RemoteError{Node: "B", Code: codeStaleTopology, Msg: boom.Error()}}, true, nil
	})
	task := newTestTask(t, rpc, 1)

	o, err := task.RequestSegments(context.Background()).Wait(context.Background())
	assert.Equal(t, Failed, o)
	require.ErrorIs(t, err, ErrStaleTopology)
	assert.False(t, task.CompletedSuccessfully())
	assert.Equal(t, []SegmentID{1}, task.UnfinishedSegments())
}

func TestInboundRequestInvocationError(t *testing.T) {
	rpc := newFakeRPC("A")
	rpc.setReply(func(NodeID, *StateRequestCommand) (Response, bool, error) {
		return Response{}, false, ErrTimeout
	})
	task := newTestTask(t, rpc, 4)

	o, err := task.RequestSegments(context.Background()).Result()
	assert.Equal(t, Failed, o)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestInboundRequestMissingResponse(t *testing.T) {
	rpc := newFakeRPC("A")
	rpc.setReply(func(NodeID, *StateRequestCommand) (Response, bool, error) {
		return Response{}, false, nil
	})
	task := newTestTask(t, rpc, 4)

	o, err := task.RequestSegments(context.Background()).Result()
	assert.Equal(t, Failed, o)
	require.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestInboundRequestSentOnce(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1)

	s1 := task.RequestSegments(context.Background())
	s2 := task.RequestSegments(context.Background())
	assert.Same(t, s1, s2)
	assert.Len(t, rpc.callsOf(StartStateTransfer), 1)
}

func TestInboundCancelBeforeRequest(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1, 2)

	task.Cancel()
	assert.True(t, task.IsCancelled())
	assert.Empty(t, task.Segments())

	o, _ := task.RequestSegments(context.Background()).Result()
	assert.Equal(t, Cancelled, o)
	assert.Empty(t, rpc.callsOf(StartStateTransfer))

	cancels := rpc.callsOf(CancelStateTransfer)
	require.Len(t, cancels, 1)
	assert.Equal(t, []SegmentID{1, 2}, cancels[0].cmd.Segments)
}

func TestInboundCancelIsIdempotent(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1)
	task.RequestSegments(context.Background())

	task.Cancel()
	task.Cancel()
	assert.Len(t, rpc.callsOf(CancelStateTransfer), 1)

	err := task.CancelSegments([]SegmentID{1})
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestInboundCancelSegmentsRejectsUnknown(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1, 2)

	err := task.CancelSegments([]SegmentID{2, 9})
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Equal(t, []SegmentID{1, 2}, task.Segments(), "state must be unchanged")
	assert.Empty(t, rpc.callsOf(CancelStateTransfer))
}

func TestInboundCancelAllSegmentsResolvesCancelled(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1, 2)
	sig := task.RequestSegments(context.Background())

	task.OnStateReceived(1, true)
	require.NoError(t, task.CancelSegments([]SegmentID{1, 2}))

	o, _ := sig.Result()
	assert.Equal(t, Cancelled, o)
	assert.True(t, task.IsCancelled())

	task.OnStateReceived(2, true)
	o, _ = sig.Result()
	assert.Equal(t, Cancelled, o)
}

func TestInboundDuplicateLastChunks(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1, 2)
	sig := task.RequestSegments(context.Background())

	task.OnStateReceived(1, true)
	task.OnStateReceived(1, true)
	task.OnStateReceived(1, true)
	assert.False(t, sig.IsDone())
	assert.Equal(t, []SegmentID{2}, task.UnfinishedSegments())
}

func TestInboundTerminateKeepsSegments(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1, 2)
	sig := task.RequestSegments(context.Background())
	task.OnStateReceived(1, true)

	task.Terminate()
	o, _ := sig.Result()
	assert.Equal(t, Cancelled, o)
	assert.Equal(t, []SegmentID{2}, task.UnfinishedSegments())

	task.OnStateReceived(2, true)
	o, _ = sig.Result()
	assert.Equal(t, Cancelled, o, "resolution is final")
	assert.False(t, task.CompletedSuccessfully())

	task.Terminate()
	o, err := sig.Result()
	assert.Equal(t, Cancelled, o)
	assert.NoError(t, err)
	assert.Equal(t, []SegmentID{1, 2}, task.Segments())
	assert.Equal(t, []SegmentID{2}, task.UnfinishedSegments())
	assert.False(t, task.IsCancelled())
}

func TestInboundCancelNotificationFailureIgnored(t *testing.T) {
	rpc := newFakeRPC("A")
	rpc.failAsync(fmt.Errorf("%w: connection refused", ErrPeerUnreachable))
	task := newTestTask(t, rpc, 1, 2)
	sig := task.RequestSegments(context.Background())

	require.NoError(t, task.CancelSegments([]SegmentID{1}))
	assert.False(t, sig.IsDone())
	assert.Equal(t, []SegmentID{2}, task.UnfinishedSegments())

	require.NoError(t, task.CancelSegments([]SegmentID{2}))
	o, err := sig.Result()
	assert.Equal(t, Cancelled, o)
	assert.NoError(t, err)
	assert.True(t, task.IsCancelled())
	assert.Len(t, rpc.callsOf(CancelStateTransfer), 2)

	task.Cancel()
	assert.Len(t, rpc.callsOf(CancelStateTransfer), 2)
}

func TestInboundCancelRemainderAlreadyReceived(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 1, 2, 3)
	sig := task.RequestSegments(context.Background())
	task.OnStateReceived(1, true)
	task.OnStateReceived(2, true)
	require.False(t, sig.IsDone())

	require.NoError(t, task.CancelSegments([]SegmentID{3}))
	o, err := sig.Result()
	assert.Equal(t, Succeeded, o)
	assert.NoError(t, err)
	assert.True(t, task.CompletedSuccessfully())
	assert.False(t, task.IsCancelled())
	assert.Equal(t, []SegmentID{1, 2}, task.Segments())
}

func TestInboundCancelRacesCompletion(t *testing.T) {
	for i := 0; i < 200; i++ {
		rpc := newFakeRPC("A")
		task := newTestTask(t, rpc, 1)
		sig := task.RequestSegments(context.Background())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); task.OnStateReceived(1, true) }()
		go func() { defer wg.Done(); task.Cancel() }()
		wg.Wait()

		o, _ := sig.Result()
		require.Contains(t, []Outcome{Succeeded, Cancelled}, o, "iteration %d", i)
		if o == Cancelled {
			assert.True(t, task.IsCancelled())
		}
	}
}

func TestInboundCancelDuringRequest(t *testing.T) {
	rpc := newFakeRPC("A")
	rpc.block = make(chan struct{})
	task := newTestTask(t, rpc, 1)

	done := make(chan *Signal)
	go func() { done <- task.RequestSegments(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(rpc.callsOf(StartStateTransfer)) == 1
	}, time.Second, 5*time.Millisecond)

	task.Cancel()
	close(rpc.block)

	sig := <-done
	o, _ := sig.Result()
	assert.Equal(t, Cancelled, o, "a late success reply must not override cancellation")
}

func TestInboundString(t *testing.T) {
	rpc := newFakeRPC("A")
	task := newTestTask(t, rpc, 2, 1)
	s := task.String()
	assert.Contains(t, s, "segments=[1 2]")
	assert.Contains(t, s, "source=B")
	assert.Contains(t, s, fmt.Sprintf("topology=%d", 7))
}
