package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tax-sync-tracker/internal/config"
)

// Redis implements the queue backend on Redis: named ready lists, a state
// hash per job, and an in-flight zset holding visibility leases.
type Redis struct {
	client      *redis.Client
	queues      []string
	inflightKey string
	visibility  time.Duration
	resultTTL   time.Duration
	pendingTTL  time.Duration
	idemTTL     time.Duration
}

// NewRedis builds a backend client from config.
func NewRedis(cfg config.Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	resultTTL := cfg.ResultTTL
	if resultTTL == 0 {
		resultTTL = time.Hour
	}
	pendingTTL := cfg.PendingTTL
	if pendingTTL == 0 {
		pendingTTL = 7 * 24 * time.Hour
	}
	idemTTL := cfg.IdempotencyTTL
	if idemTTL == 0 {
		idemTTL = 24 * time.Hour
	}
	return &Redis{
		client:      client,
		queues:      queues,
		inflightKey: "sync:inflight",
		visibility:  visibility,
		resultTTL:   resultTTL,
		pendingTTL:  pendingTTL,
		idemTTL:     idemTTL,
	}
}

// Client exposes the underlying connection for components that share it.
func (b *Redis) Client() *redis.Client {
	return b.client
}

func (b *Redis) taskKey(jobID string) string  { return "sync:task:" + jobID }
func (b *Redis) stateKey(jobID string) string { return "sync:state:" + jobID }
func (b *Redis) idemKey(key string) string    { return "sync:idem:" + key }

func (b *Redis) readyKey(queue string) string {
	return fmt.Sprintf("sync:queue:%s", queue)
}

// Submit assigns a job id, records the message and its initial state, and
// pushes the id onto the named ready queue.
func (b *Redis) Submit(ctx context.Context, t Task) (string, error) {
	if t.Queue == "" {
		t.Queue = "default"
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	jobID := uuid.New().String()
	if t.IdempotencyKey != "" {
		// First claimant wins; everyone else reuses its job id.
		claimed, err := b.client.SetNX(ctx, b.idemKey(t.IdempotencyKey), jobID, b.idemTTL).Result()
		if err != nil {
			return "", unavailable("claim idempotency key", err)
		}
		if !claimed {
			existing, err := b.client.Get(ctx, b.idemKey(t.IdempotencyKey)).Result()
			if err != nil {
				return "", unavailable("read idempotency key", err)
			}
			return existing, nil
		}
	}

	now := time.Now().UTC()
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.taskKey(jobID),
		"name", t.Name,
		"queue", t.Queue,
		"company_id", t.CompanyID,
		"payload", payloadJSON,
		"submitted_at", now.Format(time.RFC3339Nano),
	)
	pipe.PExpire(ctx, b.taskKey(jobID), b.pendingTTL)
	pipe.HSet(ctx, b.stateKey(jobID), "status", string(TaskNotStarted), "progress", -1)
	pipe.PExpire(ctx, b.stateKey(jobID), b.pendingTTL)
	pipe.RPush(ctx, b.readyKey(t.Queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("submit job", err)
	}
	return jobID, nil
}

// State reports the backend's current view of a job. A missing state hash is
// the not-found state, not an error.
func (b *Redis) State(ctx context.Context, jobID string) (TaskState, error) {
	vals, err := b.client.HGetAll(ctx, b.stateKey(jobID)).Result()
	if err != nil {
		return TaskState{}, unavailable("state lookup", err)
	}
	if len(vals) == 0 {
		return TaskState{Status: TaskNotFound, Progress: -1}, nil
	}
	st := TaskState{Status: TaskStatus(vals["status"]), Progress: -1, Error: vals["error"]}
	if p, err := strconv.Atoi(vals["progress"]); err == nil && p >= 0 {
		st.Progress = p
	}
	if st.Status == "" {
		st.Status = TaskNotFound
	}
	return st, nil
}

// Dequeue pops a job from the ready queues in configured order and places it
// in-flight with a visibility lease.
func (b *Redis) Dequeue(ctx context.Context) (Delivery, bool, error) {
	keys := make([]string, 0, len(b.queues)+1)
	for _, q := range b.queues {
		keys = append(keys, b.readyKey(q))
	}
	keys = append(keys, b.inflightKey)

	res, err := dequeueScript.Run(ctx, b.client, keys, time.Now().Add(b.visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, unavailable("dequeue", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return Delivery{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	vals, err := b.client.HGetAll(ctx, b.taskKey(jobID)).Result()
	if err != nil {
		return Delivery{}, false, unavailable("load task", err)
	}
	d := Delivery{JobID: jobID, Name: vals["name"], Queue: vals["queue"], Payload: map[string]any{}}
	if cid, err := strconv.ParseInt(vals["company_id"], 10, 64); err == nil {
		d.CompanyID = cid
	}
	if raw := vals["payload"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &d.Payload)
	}
	return d, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (b *Redis) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	err := b.client.ZAdd(ctx, b.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return unavailable("extend lease", err)
	}
	return nil
}

// Ack releases the visibility lease once a worker finished with the job.
func (b *Redis) Ack(ctx context.Context, jobID string) error {
	if err := b.client.ZRem(ctx, b.inflightKey, jobID).Err(); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// RequeueExpired reclaims leases that timed out, pushing the jobs back onto
// their ready queues.
func (b *Redis) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, unavailable("scan expired leases", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		queue, err := b.client.HGet(ctx, b.taskKey(id), "queue").Result()
		if err != nil || queue == "" {
			queue = "default"
		}
		pipe.ZRem(ctx, b.inflightKey, id)
		pipe.RPush(ctx, b.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("requeue expired", err)
	}
	return ids, nil
}

// MarkExecuting flips a job's state to executing when a worker picks it up.
func (b *Redis) MarkExecuting(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.stateKey(jobID),
		"status", string(TaskExecuting),
		"started_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.PExpire(ctx, b.stateKey(jobID), b.pendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("mark executing", err)
	}
	return nil
}

// ReportProgress records a job's self-reported completion percentage.
func (b *Redis) ReportProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := b.client.HSet(ctx, b.stateKey(jobID), "progress", progress).Err(); err != nil {
		return unavailable("report progress", err)
	}
	return nil
}

// Complete records a successful result. The result expires after the
// configured TTL, after which State reports not-found.
func (b *Redis) Complete(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.stateKey(jobID), "status", string(TaskSucceeded), "progress", 100)
	pipe.PExpire(ctx, b.stateKey(jobID), b.resultTTL)
	pipe.Del(ctx, b.taskKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("complete job", err)
	}
	return nil
}

// Fail records a failed result with its error detail.
func (b *Redis) Fail(ctx context.Context, jobID string, errMsg string) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.stateKey(jobID), "status", string(TaskFailed), "error", errMsg)
	pipe.PExpire(ctx, b.stateKey(jobID), b.resultTTL)
	pipe.Del(ctx, b.taskKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("fail job", err)
	}
	return nil
}

// ReadyDepth returns the total length of all ready queues.
func (b *Redis) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(b.queues))
	for _, q := range b.queues {
		cmds = append(cmds, pipe.LLen(ctx, b.readyKey(q)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("queue depth", err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
