package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dequeuePollInterval = 50 * time.Millisecond
	moverBatchSize      = 256
)

// StoreConfig tunes one named queue. Zero values fall back to the defaults
// applied by NewStore.
type StoreConfig struct {
	// Queue is the queue name; each job type gets its own.
	Queue string
	// MaxAttempts is the default execution-attempt limit for enqueued jobs.
	MaxAttempts int
	// Backoff is the default delay policy between attempts.
	Backoff Backoff
	// VisibilityTTL is how long a dequeued job stays leased before the
	// reclaimer hands it back to waiting workers (crash recovery).
	VisibilityTTL time.Duration
	// CompletedRetention is how long completed jobs stay inspectable.
	CompletedRetention time.Duration
	// CompletedKeepCount caps how many completed jobs are kept regardless
	// of age.
	CompletedKeepCount int64
	// DeadRetention is how long permanently failed jobs stay inspectable.
	// These are kept longer than completed jobs for operator inspection.
	DeadRetention time.Duration
	// MoverInterval is the tick of the background maintenance loop that
	// promotes due delayed jobs, reclaims expired leases, and prunes
	// retention windows.
	MoverInterval time.Duration
}

func (c *StoreConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = Backoff{Kind: BackoffExponential, Base: 2 * time.Second}
	}
	if c.VisibilityTTL <= 0 {
		c.VisibilityTTL = 60 * time.Second
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = time.Hour
	}
	if c.CompletedKeepCount <= 0 {
		c.CompletedKeepCount = 100
	}
	if c.DeadRetention <= 0 {
		c.DeadRetention = 24 * time.Hour
	}
	if c.MoverInterval <= 0 {
		c.MoverInterval = 100 * time.Millisecond
	}
}

// Options overrides per-job settings at enqueue time.
type Options struct {
	// Priority orders the job against others in the same queue: lower
	// values are processed sooner, ties break by enqueue order.
	Priority int
	// MaxAttempts overrides the queue default when > 0.
	MaxAttempts int
	// Backoff overrides the queue default when Base > 0.
	Backoff Backoff
}

// dequeueScript atomically moves the lowest-scored pending job into the
// active set with a lease deadline.
var dequeueScript = redis.NewScript(`
local items = redis.call('ZRANGE', KEYS[1], 0, 0)
if #items == 0 then return false end
local m = items[1]
redis.call('ZREM', KEYS[1], m)
redis.call('ZADD', KEYS[2], ARGV[1], m)
return m
`)

// Store is a durable job queue for a single job type. Jobs persist in the
// broker until consumed; enqueuing does not require a running worker.
//
// The store runs a background maintenance loop from construction until
// Close. It is safe for concurrent producers and consumers.
type Store struct {
	rdb    redis.UniversalClient
	cfg    StoreConfig
	k      keys
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once
}

// NewStore creates the store for cfg.Queue and starts its maintenance loop.
func NewStore(rdb redis.UniversalClient, cfg StoreConfig, log *slog.Logger) *Store {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		rdb:    rdb,
		cfg:    cfg,
		k:      keysFor(cfg.Queue),
		log:    log.With("queue", cfg.Queue),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.maintenanceLoop()
	return s
}

// Enqueue persists a new job and returns its handle. It fails with
// ErrStoreUnavailable when the broker cannot be reached and ErrClosed after
// Close; otherwise the job is durably queued even if no worker is running.
func (s *Store) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (*Job, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	seq, err := s.rdb.Incr(ctx, s.k.Seq).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	maxAttempts := s.cfg.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	backoff := s.cfg.Backoff
	if opts.Backoff.Base > 0 {
		backoff = opts.Backoff
	}

	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Queue:       s.cfg.Queue,
		Payload:     data,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		Seq:         seq,
		EnqueuedAt:  time.Now().UnixMilli(),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, s.k.Pending, redis.Z{Score: job.score(), Member: string(raw)}).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.log.Debug("job enqueued", "job_id", job.ID, "type", jobType, "priority", job.Priority)
	return job, nil
}

// Dequeue blocks until a job is available or ctx is done. Jobs come out in
// priority order (lowest value first, enqueue order within a priority) and
// are leased for the configured visibility TTL.
func (s *Store) Dequeue(ctx context.Context) (*Job, error) {
	for {
		job, err := s.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dequeuePollInterval):
		}
	}
}

func (s *Store) tryDequeue(ctx context.Context) (*Job, error) {
	lease := time.Now().Add(s.cfg.VisibilityTTL).Unix()
	res, err := dequeueScript.Run(ctx, s.rdb, []string{s.k.Pending, s.k.Active}, lease).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("dequeue: unexpected script result %T", res)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Undecodable members would wedge the queue head; drop them.
		_ = s.rdb.ZRem(ctx, s.k.Active, raw).Err()
		return nil, fmt.Errorf("dequeue: decode job: %w", err)
	}
	job.raw = []byte(raw)
	return &job, nil
}

// MarkCompleted transitions an active job to completed. The job stays
// inspectable within the retention window and is pruned afterwards.
func (s *Store) MarkCompleted(ctx context.Context, job *Job) error {
	job.CompletedAt = time.Now().UnixMilli()
	newRaw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	expiry := time.Now().Add(s.cfg.CompletedRetention).UnixMilli()

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.k.Active, string(job.raw))
		p.ZAdd(ctx, s.k.Completed, redis.Z{Score: float64(expiry), Member: string(newRaw)})
		p.ZRemRangeByRank(ctx, s.k.Completed, 0, -(s.cfg.CompletedKeepCount + 1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", job.ID, err)
	}
	return nil
}

// MarkFailed records a failure on an active job. The failure reason and the
// incremented attempt count are persisted before the job becomes runnable
// again. Under the attempt limit the job is rescheduled after the backoff
// delay; at the limit, or when cause is wrapped with Permanent, it is
// dead-lettered. The returned bool reports whether the job is now terminal.
func (s *Store) MarkFailed(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts >= job.MaxAttempts || IsPermanent(cause) {
		if err := s.deadLetter(ctx, job); err != nil {
			return false, err
		}
		s.log.Warn("job dead-lettered",
			"job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", job.LastError)
		return true, nil
	}

	delay := job.Backoff.Delay(job.Attempts)
	newRaw, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	runAt := time.Now().Add(delay).UnixMilli()

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.k.Active, string(job.raw))
		p.ZAdd(ctx, s.k.Delayed, redis.Z{Score: float64(runAt), Member: string(newRaw)})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", job.ID, err)
	}
	s.log.Debug("job scheduled for retry",
		"job_id", job.ID, "attempts", job.Attempts, "delay", delay)
	return false, nil
}

func (s *Store) deadLetter(ctx context.Context, job *Job) error {
	newRaw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	purgeAt := time.Now().Add(s.cfg.DeadRetention).UnixMilli()

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.k.Active, string(job.raw))
		p.LPush(ctx, s.k.Dead, string(newRaw))
		p.ZAdd(ctx, s.k.DeadExpiry, redis.Z{Score: float64(purgeAt), Member: string(newRaw)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}
	return nil
}

// RetryDead moves a permanently failed job back to the pending set with a
// reset attempt counter. It returns ErrJobNotFound if no dead job has the
// given ID.
func (s *Store) RetryDead(ctx context.Context, id string) error {
	members, err := s.rdb.LRange(ctx, s.k.Dead, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list dead jobs: %w", err)
	}
	for _, raw := range members {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.ID != id {
			continue
		}

		job.Attempts = 0
		job.LastError = ""
		seq, err := s.rdb.Incr(ctx, s.k.Seq).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		job.Seq = seq
		newRaw, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, s.k.Dead, 1, raw)
			p.ZRem(ctx, s.k.DeadExpiry, raw)
			p.ZAdd(ctx, s.k.Pending, redis.Z{Score: job.score(), Member: string(newRaw)})
			return nil
		})
		if err != nil {
			return fmt.Errorf("retry dead %s: %w", id, err)
		}
		return nil
	}
	return ErrJobNotFound
}

// Stats reports the number of jobs per state.
type Stats struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Dead      int64
}

// Stats returns current per-state job counts for the queue.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Waiting, err = s.rdb.ZCard(ctx, s.k.Pending).Result(); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if st.Active, err = s.rdb.ZCard(ctx, s.k.Active).Result(); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if st.Delayed, err = s.rdb.ZCard(ctx, s.k.Delayed).Result(); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if st.Completed, err = s.rdb.ZCard(ctx, s.k.Completed).Result(); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if st.Dead, err = s.rdb.LLen(ctx, s.k.Dead).Result(); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// Queue returns the queue name this store serves.
func (s *Store) Queue() string { return s.cfg.Queue }

// Close stops accepting new enqueues, shuts down the maintenance loop, and
// waits for it to exit. It is idempotent and safe to call on a store whose
// broker connection never came up. The Redis client itself is owned by the
// caller and is not closed here.
func (s *Store) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.wg.Wait()
		s.log.Info("job store closed")
	})
}

// maintenanceLoop promotes due delayed jobs, reclaims expired leases, and
// prunes the completed/dead retention windows until the store is closed.
func (s *Store) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.moveDue(s.ctx); err != nil {
				s.log.Warn("delayed mover failed", "error", err)
			}
			if err := s.reclaimExpired(s.ctx); err != nil {
				s.log.Warn("lease reclaimer failed", "error", err)
			}
			if err := s.sweepRetention(s.ctx); err != nil {
				s.log.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// moveDue promotes delayed jobs whose run time has arrived back into the
// pending set with their original priority ordering.
func (s *Store) moveDue(ctx context.Context) error {
	nowMs := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := s.rdb.ZRangeByScore(ctx, s.k.Delayed, &redis.ZRangeBy{
		Min: "-inf", Max: nowMs, Offset: 0, Count: moverBatchSize,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, raw := range members {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			pipe.ZRem(ctx, s.k.Delayed, raw)
			continue
		}
		pipe.ZRem(ctx, s.k.Delayed, raw)
		pipe.ZAdd(ctx, s.k.Pending, redis.Z{Score: job.score(), Member: raw})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// reclaimExpired hands jobs whose lease ran out (worker crash, lost
// connection) back to the pending set. The attempt counter is not touched;
// only recorded failures consume retry budget.
func (s *Store) reclaimExpired(ctx context.Context) error {
	nowSec := fmt.Sprintf("%d", time.Now().Unix())
	members, err := s.rdb.ZRangeByScore(ctx, s.k.Active, &redis.ZRangeBy{
		Min: "-inf", Max: nowSec, Offset: 0, Count: moverBatchSize,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, raw := range members {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			pipe.ZRem(ctx, s.k.Active, raw)
			continue
		}
		pipe.ZRem(ctx, s.k.Active, raw)
		pipe.ZAdd(ctx, s.k.Pending, redis.Z{Score: job.score(), Member: raw})
		s.log.Warn("reclaimed expired lease", "job_id", job.ID, "type", job.Type)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) sweepRetention(ctx context.Context) error {
	nowMs := fmt.Sprintf("%d", time.Now().UnixMilli())

	if err := s.rdb.ZRemRangeByScore(ctx, s.k.Completed, "0", nowMs).Err(); err != nil {
		return err
	}

	members, err := s.rdb.ZRangeByScore(ctx, s.k.DeadExpiry, &redis.ZRangeBy{
		Min: "0", Max: nowMs, Offset: 0, Count: moverBatchSize,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.LRem(ctx, s.k.Dead, 1, m)
			p.ZRem(ctx, s.k.DeadExpiry, m)
		}
		return nil
	})
	return err
}
