package broker

import (
	"context"
	"devicefleet/internal/tasks"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	QueueKeyPrefix      = "devicefleet:queue:"
	TaskKeyPrefix       = "devicefleet:task:"
	LeaseKeyPrefix      = "devicefleet:processing:"
	InflightKeyPrefix   = "devicefleet:inflight:"
	CounterTodayPrefix  = "devicefleet:counter:today:"
	CounterTotalPrefix  = "devicefleet:counter:total:"
	KeyEventLog         = "devicefleet:logs"
	DefaultLeaseTTL     = 5 * time.Minute
	DefaultRetention    = 24 * time.Hour
	eventLogMaxEntries  = 100
	pendingListMaxFetch = 500
)

// dequeueScript pops the queue head and installs the lease in one step.
// KEYS: lease, queue, inflight. ARGV: lease ttl in ms.
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {'busy'}
end
local id = redis.call('LPOP', KEYS[2])
if not id then
  return {'empty'}
end
redis.call('SET', KEYS[1], id, 'PX', ARGV[1])
redis.call('SET', KEYS[3], id)
return {'ok', id}
`)

// releaseScript clears the lease and in-flight marker only if they still reference ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// orphanScript moves a task whose lease expired back to the queue head.
// KEYS: lease, queue, inflight.
var orphanScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return false
end
local id = redis.call('GET', KEYS[3])
if not id then
  return false
end
redis.call('DEL', KEYS[3])
redis.call('LPUSH', KEYS[2], id)
return id
`)

type Option func(*RedisBroker)

// WithLeaseTTL overrides the processing lease lifetime.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(b *RedisBroker) { b.leaseTTL = ttl }
}

// WithOrphanRequeue makes DequeueNext return tasks stranded by an expired lease to the
// head of their queue instead of leaving them processing.
func WithOrphanRequeue(enabled bool) Option {
	return func(b *RedisBroker) { b.requeueOrphans = enabled }
}

// WithRetention sets how long terminal task records are kept. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(b *RedisBroker) { b.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(b *RedisBroker) { b.now = now }
}

type RedisBroker struct {
	client         *redis.Client
	leaseTTL       time.Duration
	retention      time.Duration
	requeueOrphans bool
	now            func() time.Time
}

func NewRedisBroker(addr string, password string, db int, opts ...Option) *RedisBroker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisBrokerFromClient(rdb, opts...)
}

func NewRedisBrokerFromClient(client *redis.Client, opts ...Option) *RedisBroker {
	b := &RedisBroker{
		client:    client,
		leaseTTL:  DefaultLeaseTTL,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBroker) InternalClient() *redis.Client {
	return b.client
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) Enqueue(ctx context.Context, endpoint, action string, payload json.RawMessage) (*tasks.Task, error) {
	now := b.now()
	task := &tasks.Task{
		ID:        uuid.New().String(),
		Endpoint:  endpoint,
		Action:    action,
		Payload:   payload,
		State:     tasks.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, TaskKeyPrefix+task.ID, data, 0)
	pipe.RPush(ctx, QueueKeyPrefix+endpoint, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storageErr("enqueue", err)
	}
	return task, nil
}

func (b *RedisBroker) DequeueNext(ctx context.Context, endpoint string) (*tasks.Task, error) {
	keys := []string{LeaseKeyPrefix + endpoint, QueueKeyPrefix + endpoint, InflightKeyPrefix + endpoint}

	if b.requeueOrphans {
		if err := b.recoverOrphan(ctx, keys); err != nil {
			return nil, err
		}
	}

	res, err := dequeueScript.Run(ctx, b.client, keys, b.leaseTTL.Milliseconds()).StringSlice()
	if err != nil {
		return nil, storageErr("dequeue", err)
	}

	switch res[0] {
	case "busy":
		return nil, tasks.ErrEndpointBusy
	case "empty":
		return nil, tasks.ErrQueueEmpty
	}

	taskID := res[1]
	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		// Queue referenced a record that is gone; drop the lease so the endpoint is not blocked.
		b.release(ctx, endpoint, taskID)
		return nil, err
	}

	now := b.now()
	task.State = tasks.StateProcessing
	task.StartedAt = &now
	task.UpdatedAt = now
	if err := b.save(ctx, task, 0); err != nil {
		return nil, err
	}
	return task, nil
}

func (b *RedisBroker) recoverOrphan(ctx context.Context, keys []string) error {
	taskID, err := orphanScript.Run(ctx, b.client, keys).Text()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return storageErr("recover orphan", err)
	}

	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return nil
	}
	if task.State != tasks.StateProcessing {
		return nil
	}
	task.State = tasks.StatePending
	task.UpdatedAt = b.now()
	return b.save(ctx, task, 0)
}

func (b *RedisBroker) Complete(ctx context.Context, taskID string, result any) error {
	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := b.now()
	task.State = tasks.StateCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	if result != nil {
		rb, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		task.Result = rb
	}

	if err := b.save(ctx, task, b.retention); err != nil {
		return err
	}
	return b.release(ctx, task.Endpoint, task.ID)
}

func (b *RedisBroker) Fail(ctx context.Context, taskID string, taskErr tasks.TaskError, requeue bool) (bool, error) {
	task, err := b.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	now := b.now()
	task.State = tasks.StateFailed
	task.Err = &taskErr
	task.FailedAt = &now
	task.UpdatedAt = now
	task.RetryCount++

	if err := b.release(ctx, task.Endpoint, task.ID); err != nil {
		return false, err
	}

	if requeue && task.RetryCount < tasks.MaxRetries {
		task.State = tasks.StatePending
		data, err := json.Marshal(task)
		if err != nil {
			return false, err
		}
		pipe := b.client.TxPipeline()
		pipe.Set(ctx, TaskKeyPrefix+task.ID, data, 0)
		pipe.LPush(ctx, QueueKeyPrefix+task.Endpoint, task.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, storageErr("requeue", err)
		}
		return true, nil
	}

	return false, b.save(ctx, task, b.retention)
}

func (b *RedisBroker) release(ctx context.Context, endpoint, taskID string) error {
	keys := []string{LeaseKeyPrefix + endpoint, InflightKeyPrefix + endpoint}
	if err := releaseScript.Run(ctx, b.client, keys, taskID).Err(); err != nil {
		return storageErr("release lease", err)
	}
	return nil
}

func (b *RedisBroker) GetTask(ctx context.Context, taskID string) (*tasks.Task, error) {
	data, err := b.client.Get(ctx, TaskKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}

	var task tasks.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (b *RedisBroker) save(ctx context.Context, task *tasks.Task, ttl time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, TaskKeyPrefix+task.ID, data, ttl).Err(); err != nil {
		return storageErr("save task", err)
	}
	return nil
}

func (b *RedisBroker) QueueLength(ctx context.Context, endpoint string) (int64, error) {
	n, err := b.client.LLen(ctx, QueueKeyPrefix+endpoint).Result()
	if err != nil {
		return 0, storageErr("queue length", err)
	}
	return n, nil
}

// CurrentLease returns the id of the task holding the endpoint's lease, or "" if none.
func (b *RedisBroker) CurrentLease(ctx context.Context, endpoint string) (string, error) {
	id, err := b.client.Get(ctx, LeaseKeyPrefix+endpoint).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get lease", err)
	}
	return id, nil
}

// ListPending returns the queued tasks of an endpoint in dequeue order.
func (b *RedisBroker) ListPending(ctx context.Context, endpoint string) ([]*tasks.Task, error) {
	ids, err := b.client.LRange(ctx, QueueKeyPrefix+endpoint, 0, pendingListMaxFetch-1).Result()
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	if len(ids) == 0 {
		return []*tasks.Task{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, TaskKeyPrefix+id)
	}

	result, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageErr("list pending", err)
	}

	taskList := make([]*tasks.Task, 0, len(result))
	for _, val := range result {
		// nil when the record expired or was cleared
		strVal, ok := val.(string)
		if !ok {
			continue
		}
		var t tasks.Task
		if err := json.Unmarshal([]byte(strVal), &t); err == nil {
			taskList = append(taskList, &t)
		}
	}
	return taskList, nil
}

// Clear drops the endpoint's queue and the records of every queued task.
func (b *RedisBroker) Clear(ctx context.Context, endpoint string) (int, error) {
	queueKey := QueueKeyPrefix + endpoint
	ids, err := b.client.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return 0, storageErr("clear", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, queueKey)
	for _, id := range ids {
		pipe.Del(ctx, TaskKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, storageErr("clear", err)
	}
	return len(ids), nil
}

// IncrementCounters bumps the total and today counters. The today counter expires at the
// next local midnight, set on the first completion of the day.
func (b *RedisBroker) IncrementCounters(ctx context.Context, endpoint string) error {
	todayKey := CounterTodayPrefix + endpoint

	pipe := b.client.TxPipeline()
	pipe.Incr(ctx, CounterTotalPrefix+endpoint)
	today := pipe.Incr(ctx, todayKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("increment counters", err)
	}

	if today.Val() == 1 {
		if err := b.client.ExpireAt(ctx, todayKey, nextMidnight(b.now())).Err(); err != nil {
			return storageErr("expire today counter", err)
		}
	}
	return nil
}

func (b *RedisBroker) Counters(ctx context.Context, endpoint string) (tasks.Counters, error) {
	pipe := b.client.Pipeline()
	today := pipe.Get(ctx, CounterTodayPrefix+endpoint)
	total := pipe.Get(ctx, CounterTotalPrefix+endpoint)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return tasks.Counters{}, storageErr("counters", err)
	}

	var c tasks.Counters
	c.Today, _ = today.Int64()
	c.Total, _ = total.Int64()
	return c, nil
}

// AppendEventLog keeps the most recent event lines for the dashboard.
func (b *RedisBroker) AppendEventLog(ctx context.Context, line string) error {
	pipe := b.client.Pipeline()
	pipe.LPush(ctx, KeyEventLog, fmt.Sprintf("[%s] %s", b.now().Format("15:04:05"), line))
	pipe.LTrim(ctx, KeyEventLog, 0, eventLogMaxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("append event log", err)
	}
	return nil
}

func (b *RedisBroker) EventLog(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 || limit > eventLogMaxEntries {
		limit = eventLogMaxEntries
	}
	lines, err := b.client.LRange(ctx, KeyEventLog, 0, limit-1).Result()
	if err != nil {
		return nil, storageErr("event log", err)
	}
	return lines, nil
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, tasks.ErrStorageUnavailable, err)
}
