package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueEnqueueAndGetJob(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, "doc-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued || job.DocumentID != "doc-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.DocumentID != "doc-1" || got.Status != StatusQueued {
		t.Fatalf("unexpected stored job: %+v", got)
	}

	if _, err := q.Enqueue(ctx, "  "); err == nil {
		t.Fatal("blank document id accepted")
	}
	if _, ok, _ := q.GetJob(ctx, "missing"); ok {
		t.Fatal("missing job reported as found")
	}
}

func TestRedisJobQueueHandleMessageSuccess(t *testing.T) {
	q, ctx := newTestQueue(t)
	msgID, jobID, _ := pendingMessage(t, q, ctx, "doc-1")

	var handled JobStatus
	q.handleMessage(ctx, mustReadPending(t, q, ctx, msgID), func(_ context.Context, job JobStatus) error {
		handled = job
		return nil
	})
	if handled.DocumentID != "doc-1" {
		t.Fatalf("handler saw %+v", handled)
	}
	if handled.Status != StatusProcessing || handled.Attempts != 1 {
		t.Fatalf("job not marked processing before handler: %+v", handled)
	}
	job, _, _ := q.GetJob(ctx, jobID)
	if job.Status != StatusDone {
		t.Fatalf("job status = %q, want done", job.Status)
	}
	pending, _ := q.client.XPending(ctx, q.stream, q.group).Result()
	if pending.Count != 0 {
		t.Fatalf("message not acked, %d pending", pending.Count)
	}
}

func TestRedisJobQueueRetriesThenFails(t *testing.T) {
	q, ctx := newTestQueue(t)
	q.maxRetries = 2
	q.retryDelay = time.Millisecond

	_, jobID, _ := pendingMessage(t, q, ctx, "doc-1")

	attempts := 0
	handler := func(_ context.Context, _ JobStatus) error {
		attempts++
		return errors.New("parse failure")
	}
	// Drain and process until the job leaves the queue.
	for i := 0; i < 5; i++ {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: "consumer-1",
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    0,
		}).Result()
		if err != nil || len(streams) == 0 || len(streams[0].Messages) == 0 {
			break
		}
		q.handleMessage(ctx, streams[0].Messages[0], handler)
	}

	if attempts != 2 {
		t.Fatalf("handler ran %d times, want 2", attempts)
	}
	job, _, _ := q.GetJob(ctx, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("job status = %q, want failed", job.Status)
	}
	if job.ErrorMessage != "parse failure" {
		t.Fatalf("error message = %q", job.ErrorMessage)
	}
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx := newTestQueue(t)
	msgID, jobID, documentID := pendingMessage(t, q, ctx, "doc-1")

	if err := q.requeueAndAck(ctx, msgID, jobID, documentID); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["document_id"] != documentID {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx := newTestQueue(t)
	msgID, jobID, documentID := pendingMessage(t, q, ctx, "doc-1")

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, documentID); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newTestQueue(t *testing.T) (*RedisJobQueue, context.Context) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:ingest",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

func pendingMessage(t *testing.T, q *RedisJobQueue, ctx context.Context, documentID string) (string, string, string) {
	t.Helper()

	job, err := q.Enqueue(ctx, documentID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return streams[0].Messages[0].ID, job.ID, job.DocumentID
}

func mustReadPending(t *testing.T, q *RedisJobQueue, ctx context.Context, msgID string) redis.XMessage {
	t.Helper()
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: "consumer-1",
		MinIdle:  0,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		t.Fatalf("autoclaim: %v", err)
	}
	for _, m := range msgs {
		if m.ID == msgID {
			return m
		}
	}
	t.Fatalf("message %s not found in pending list", msgID)
	return redis.XMessage{}
}
