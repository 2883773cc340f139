// Package redis implements the work queue on Redis sorted sets. The queue set
// is scored by visibility time, claimed deliveries move to an in-flight set
// scored by their lease deadline, and dead letters are pushed onto a list.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// Config names the keys and polling behaviour.
type Config struct {
	Prefix       string
	BatchSize    int
	PollInterval time.Duration
	// Visibility is how long a claimed delivery stays leased before it is requeued.
	Visibility time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "pets:work"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Visibility <= 0 {
		c.Visibility = 5 * time.Minute
	}
	return c
}

// claimScript moves up to ARGV[2] due members from the queue set into the
// in-flight set, scoring them with the lease deadline ARGV[3].
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(items) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('ZADD', KEYS[2], ARGV[3], m)
end
return items
`)

// reclaimScript returns expired leases to the queue set as immediately due.
var reclaimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(items) do
	redis.call('ZREM', KEYS[2], m)
	redis.call('ZADD', KEYS[1], ARGV[1], m)
end
return #items
`)

type envelope struct {
	Token   string          `json:"token"`
	Message pet.WorkMessage `json:"message"`
}

// Queue is a pet.Transport over Redis.
type Queue struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	queueKey    string
	inflightKey string
	deadKey     string
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// New wraps client.
func New(client *redis.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		client:      client,
		cfg:         cfg,
		logger:      logger.Named("redis_queue"),
		now:         time.Now,
		queueKey:    cfg.Prefix + ":queue",
		inflightKey: cfg.Prefix + ":inflight",
		deadKey:     cfg.Prefix + ":dlq",
	}, nil
}

// Publish adds msg to the queue set, visible after delay.
func (q *Queue) Publish(ctx context.Context, msg pet.WorkMessage, delay time.Duration) error {
	member, err := json.Marshal(envelope{Token: uuid.NewString(), Message: msg})
	if err != nil {
		return fmt.Errorf("marshal work message: %w", err)
	}
	visibleAt := score(q.now().Add(delay))
	if err := q.client.ZAdd(ctx, q.queueKey, redis.Z{Score: visibleAt, Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("enqueue work message: %w", err)
	}
	return nil
}

// PublishDeadLetter pushes dl onto the dead-letter list.
func (q *Queue) PublishDeadLetter(ctx context.Context, dl pet.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.client.LPush(ctx, q.deadKey, data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// DeadLetters reads up to limit dead letters, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]pet.DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]pet.DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl pet.DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Poll reclaims expired leases, then claims and handles one batch.
func (q *Queue) Poll(ctx context.Context, handler pet.BatchHandler) (int, error) {
	now := q.now()
	if err := reclaimScript.Run(ctx, q.client, []string{q.queueKey, q.inflightKey}, formatScore(score(now))).Err(); err != nil {
		return 0, fmt.Errorf("reclaim leases: %w", err)
	}
	members, err := claimScript.Run(ctx, q.client,
		[]string{q.queueKey, q.inflightKey},
		formatScore(score(now)), q.cfg.BatchSize, formatScore(score(now.Add(q.cfg.Visibility))),
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("claim work: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	deliveries := make([]pet.Delivery, 0, len(members))
	for _, member := range members {
		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			q.logger.Error("dropping undecodable work message", zap.Error(err))
			if remErr := q.client.ZRem(ctx, q.inflightKey, member).Err(); remErr != nil {
				q.logger.Warn("failed to drop undecodable message", zap.Error(remErr))
			}
			continue
		}
		deliveries = append(deliveries, &delivery{q: q, member: member, msg: env.Message})
	}
	if len(deliveries) > 0 {
		handler(ctx, deliveries)
	}
	return len(deliveries), nil
}

// Receive polls until ctx is done.
func (q *Queue) Receive(ctx context.Context, handler pet.BatchHandler) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := q.Poll(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("failed to poll work queue", zap.Error(err))
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Depth reports queued and in-flight counts.
func (q *Queue) Depth(ctx context.Context) (queued, inflight int64, err error) {
	if queued, err = q.client.ZCard(ctx, q.queueKey).Result(); err != nil {
		return 0, 0, fmt.Errorf("count queue: %w", err)
	}
	if inflight, err = q.client.ZCard(ctx, q.inflightKey).Result(); err != nil {
		return 0, 0, fmt.Errorf("count inflight: %w", err)
	}
	return queued, inflight, nil
}

// Close releases the client.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

type delivery struct {
	q      *Queue
	member string
	msg    pet.WorkMessage
}

func (d *delivery) Message() pet.WorkMessage { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	removed, err := d.q.client.ZRem(ctx, d.q.inflightKey, d.member).Result()
	if err != nil {
		return fmt.Errorf("ack work message: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("ack work message %s: lease expired", d.msg.ID)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	_, err := d.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, d.q.inflightKey, d.member)
		pipe.ZAdd(ctx, d.q.queueKey, redis.Z{Score: score(d.q.now()), Member: d.member})
		return nil
	})
	if err != nil {
		return fmt.Errorf("nack work message: %w", err)
	}
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
