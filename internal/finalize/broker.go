// Package finalize implements the finalize task broker and worker (C8):
// an at-least-once queue over Redis Streams, and the pause/reset/readiness/
// unpause pipeline that consumes it, shared verbatim by the garbage
// collector (C10) for its direct-to-terminal variant.
package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKey    = "e2epool:finalize"
	consumerGrp  = "e2epool-workers"
	claimMinIdle = 2 * time.Minute
)

// RedisBroker enqueues and consumes finalize tasks via a Redis Stream
// consumer group, giving at-least-once delivery with late-ack redelivery
// (§4.8: "the broker must re-deliver if the worker dies before acking").
type RedisBroker struct {
	rdb        *redis.Client
	consumerID string
}

// NewRedisBroker builds a RedisBroker and ensures the consumer group
// exists (ignoring the BUSYGROUP error on repeat startups).
func NewRedisBroker(ctx context.Context, rdb *redis.Client, consumerID string) (*RedisBroker, error) {
	err := rdb.XGroupCreateMkStream(ctx, streamKey, consumerGrp, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &RedisBroker{rdb: rdb, consumerID: consumerID}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Enqueue implements checkpoint.Broker: XADD one task per checkpoint.
func (b *RedisBroker) Enqueue(ctx context.Context, checkpointName string) error {
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"checkpoint_name": checkpointName},
	}).Err()
}

// Task is one delivered finalize task; Ack must be called once the
// checkpoint has reached a terminal state (or been determined a no-op).
type Task struct {
	ID             string
	CheckpointName string
	broker         *RedisBroker
}

// Ack acknowledges t, removing it from the consumer group's pending list.
func (t Task) Ack(ctx context.Context) error {
	return t.broker.rdb.XAck(ctx, streamKey, consumerGrp, t.ID).Err()
}

// Consume blocks (up to blockFor) for the next task, first reclaiming any
// task that has been pending longer than claimMinIdle from a dead
// consumer (this is what makes hard-timeout kills safe to redeliver:
// §4.8's "exceeding the hard limit kills the worker's task and the
// broker redelivers").
func (b *RedisBroker) Consume(ctx context.Context, blockFor time.Duration) (*Task, error) {
	if task, err := b.reclaimStale(ctx); err != nil {
		return nil, err
	} else if task != nil {
		return task, nil
	}

	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGrp,
		Consumer: b.consumerID,
		Streams:  []string{streamKey, ">"},
		Count:    1,
		Block:    blockFor,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return toTask(b, msg), nil
		}
	}
	return nil, nil
}

func (b *RedisBroker) reclaimStale(ctx context.Context) (*Task, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    consumerGrp,
		Consumer: b.consumerID,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return toTask(b, msgs[0]), nil
}

func toTask(b *RedisBroker, msg redis.XMessage) *Task {
	name, _ := msg.Values["checkpoint_name"].(string)
	return &Task{ID: msg.ID, CheckpointName: name, broker: b}
}
