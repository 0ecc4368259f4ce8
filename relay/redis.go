package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

type RedisOptions struct {
	Stream   string
	Group    string
	Consumer string
	// Durable makes a newly created consumer group start from the beginning
	// of the stream, so facts published while no consumer existed are kept.
	Durable   bool
	Block     time.Duration
	ClaimIdle time.Duration
	BatchSize int64
	// RetryBackoff delays a requeued entry by deliveries*RetryBackoff, capped at 5s.
	RetryBackoff time.Duration
}

// RedisStream is a relay over a Redis stream with a consumer group.
// Ack is XACK plus XDEL; Nack with requeue re-adds the entry and settles the old one;
// entries left pending by a dead consumer are reclaimed with XAUTOCLAIM.
type RedisStream struct {
	rdb  *redis.Client
	opts RedisOptions
}

func NewRedisStream(rdb *redis.Client, opts RedisOptions) *RedisStream {
	if opts.Stream == "" {
		opts.Stream = models.EventLinkClicked
	}
	if opts.Group == "" {
		opts.Group = "management"
	}
	if opts.Consumer == "" {
		opts.Consumer = "management-1"
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	return &RedisStream{rdb: rdb, opts: opts}
}

func (r *RedisStream) Publish(ctx context.Context, fact models.ClickFact) error {
	body, err := encodeFact(fact)
	if err != nil {
		return err
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: map[string]interface{}{
			"body":       string(body),
			"deliveries": 0,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis XADD: %w", err)
	}

	slog.Info("published click fact",
		"attempt_id", fact.AttemptID,
		"stream", r.opts.Stream,
		"entry_id", id,
	)
	return nil
}

func (r *RedisStream) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStream) ensureGroup(ctx context.Context) error {
	start := "$"
	if r.opts.Durable {
		start = "0"
	}
	err := r.rdb.XGroupCreateMkStream(ctx, r.opts.Stream, r.opts.Group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (r *RedisStream) Consume(ctx context.Context, h Handler) error {
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}

	slog.Info("relay consumer started",
		"stream", r.opts.Stream,
		"group", r.opts.Group,
		"consumer", r.opts.Consumer,
	)

	if err := r.Reclaim(ctx, h); err != nil {
		slog.Error("relay reclaim failed", "error", err)
	}
	lastClaim := time.Now()

	for ctx.Err() == nil {
		if time.Since(lastClaim) >= r.opts.ClaimIdle {
			if err := r.Reclaim(ctx, h); err != nil {
				slog.Error("relay reclaim failed", "error", err)
			}
			lastClaim = time.Now()
		}

		streams, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.opts.Group,
			Consumer: r.opts.Consumer,
			Streams:  []string{r.opts.Stream, ">"},
			Count:    r.opts.BatchSize,
			Block:    r.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("relay read failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				r.handle(ctx, msg, h)
			}
		}
	}

	slog.Info("relay consumer stopped", "stream", r.opts.Stream)
	return nil
}

// Reclaim takes over entries another consumer received but never settled
// and runs them through h.
func (r *RedisStream) Reclaim(ctx context.Context, h Handler) error {
	start := "0-0"
	for {
		msgs, next, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.opts.Stream,
			Group:    r.opts.Group,
			Consumer: r.opts.Consumer,
			MinIdle:  r.opts.ClaimIdle,
			Start:    start,
			Count:    r.opts.BatchSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("redis XAUTOCLAIM: %w", err)
		}
		for _, msg := range msgs {
			slog.Info("reclaimed pending click fact", "entry_id", msg.ID)
			r.handle(ctx, msg, h)
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (r *RedisStream) handle(ctx context.Context, msg redis.XMessage, h Handler) {
	d := &redisDelivery{r: r, msg: msg}

	body, _ := msg.Values["body"].(string)
	fact, err := decodeFact([]byte(body))
	if err != nil {
		slog.Error("dropping malformed relay entry", "entry_id", msg.ID, "error", err)
		if err := d.Ack(ctx); err != nil {
			slog.Error("relay ack failed", "entry_id", msg.ID, "error", err)
		}
		return
	}

	if n := d.deliveries(); n > 0 {
		sleepCtx(ctx, min(time.Duration(n)*r.opts.RetryBackoff, 5*time.Second))
	}

	if err := Dispatch(ctx, d, fact, h); err != nil {
		slog.Error("relay settle failed", "entry_id", msg.ID, "error", err)
	}
}

type redisDelivery struct {
	r   *RedisStream
	msg redis.XMessage
}

// Ack settles the entry and removes it from the stream.
func (d *redisDelivery) Ack(ctx context.Context) error {
	_, err := d.r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		d.settle(ctx, pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack entry %s: %w", d.msg.ID, err)
	}
	return nil
}

func (d *redisDelivery) settle(ctx context.Context, pipe redis.Pipeliner) {
	pipe.XAck(ctx, d.r.opts.Stream, d.r.opts.Group, d.msg.ID)
	pipe.XDel(ctx, d.r.opts.Stream, d.msg.ID)
}

func (d *redisDelivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.Ack(ctx)
	}

	deliveries := d.deliveries()
	_, err := d.r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: d.r.opts.Stream,
			Values: map[string]interface{}{
				"body":       d.msg.Values["body"],
				"deliveries": deliveries + 1,
			},
		})
		d.settle(ctx, pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue entry %s: %w", d.msg.ID, err)
	}
	return nil
}

func (d *redisDelivery) deliveries() int {
	n, _ := strconv.Atoi(fmt.Sprint(d.msg.Values["deliveries"]))
	return n
}
