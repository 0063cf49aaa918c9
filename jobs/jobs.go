// Package jobs drains database tables that act as durable job queues.
//
// A job row is claimed by atomically setting its owner where none is set, so
// any number of consumers can poll the same table without processing a job
// twice. The row itself records the outcome: start and end timestamps plus a
// success flag, which leaves a complete audit trail in the table.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"gorm.io/gorm"

	"github.com/techresidents/svccore/coordinator"
)

var (
	// ErrJobOwned means another consumer claimed the job first. Callers
	// should call Get again for the next job.
	ErrJobOwned = errors.New("job already owned", j.C("ERR_4f8a2d61c9b5e073"))

	// ErrQueueStopped is returned by Get once the queue has been stopped.
	ErrQueueStopped = errors.New("job queue stopped", j.C("ERR_7d3e9a02b6f41c58"))
)

// Job is one row of the job queue table. Producers insert rows with Owner
// unset; consumers claim and finish them through a Queue.
type Job struct {
	ID         uint64 `gorm:"primaryKey"`
	Type       string `gorm:"index"`
	Payload    []byte
	Priority   int `gorm:"index"`
	NotBefore  *time.Time
	Owner      *string
	Start      *time.Time
	End        *time.Time
	Successful *bool
	CreatedAt  time.Time
}

// TableName implements gorm's table naming hook.
func (Job) TableName() string {
	return "service_jobs"
}

// Migrate creates or updates the job queue table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Job{}); err != nil {
		return errors.Wrap(err, "migrate job table")
	}
	return nil
}

type options struct {
	pollInterval time.Duration
	queueSize    int
	log          coordinator.Logger
}

// Option configures a Queue.
type Option func(*options)

// WithPollInterval overrides how often the table is polled for new jobs.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithQueueSize bounds the in-memory buffer of polled job ids. Jobs that do
// not fit stay unclaimed in the table and are picked up by a later poll.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithLogger overrides the default jettison logger.
func WithLogger(l coordinator.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// Queue polls the job table and hands out exclusively claimed jobs.
//
// The same job id can be buffered more than once across polls; the claim
// update arbitrates, so duplicates surface as ErrJobOwned rather than double
// processing.
type Queue struct {
	db      *gorm.DB
	owner   string
	options options

	pending chan uint64

	mu       sync.Mutex
	started  bool
	stopped  chan struct{}
	finished chan struct{}
}

// NewQueue returns an unstarted queue. Claimed jobs are marked with owner so
// stalled work can be traced back to the consumer that took it.
func NewQueue(db *gorm.DB, owner string, opts ...Option) *Queue {
	o := options{
		pollInterval: time.Minute,
		queueSize:    64,
		log:          coordinator.JLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue{
		db:      db,
		owner:   owner,
		options: o,
		pending: make(chan uint64, o.queueSize),
		stopped: make(chan struct{}),
	}
}

// Start begins polling the table. Start is idempotent while running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.finished = make(chan struct{})
	go q.run()
}

// Stop stops polling and unblocks waiters in Get with ErrQueueStopped. A
// stopped queue cannot be restarted.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return
	}
	q.started = false
	close(q.stopped)
}

// Join blocks until the poll goroutine has exited, or until timeout elapses
// if timeout is positive.
func (q *Queue) Join(timeout time.Duration) error {
	q.mu.Lock()
	finished := q.finished
	q.mu.Unlock()
	if finished == nil {
		return nil
	}
	if timeout <= 0 {
		<-finished
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return errors.New("job queue join timeout", j.KV("owner", q.owner))
	}
}

func (q *Queue) run() {
	defer close(q.finished)
	ctx := context.Background()
	for {
		q.poll(ctx)
		select {
		case <-q.stopped:
			return
		case <-time.After(q.options.pollInterval):
		}
	}
}

// poll buffers the ids of claimable jobs, most urgent first. Jobs already
// buffered from a previous poll may be buffered again; the claim arbitrates.
func (q *Queue) poll(ctx context.Context) {
	var ids []uint64
	err := q.db.WithContext(ctx).Model(&Job{}).
		Where("owner IS NULL").
		Where("start IS NULL").
		Where("not_before IS NULL OR not_before <= ?", time.Now().UTC()).
		Order("priority").
		Pluck("id", &ids).Error
	if err != nil {
		// NoReturnErr: Poll again after the interval.
		q.options.log.Error(ctx, errors.Wrap(err, "poll job table", j.KV("owner", q.owner)))
		return
	}

	for _, id := range ids {
		select {
		case q.pending <- id:
		default:
			// Buffer full; the rest stay in the table for the next poll.
			return
		}
	}
}

// Get blocks for the next available job and claims it for this consumer.
// Losing a claim race returns ErrJobOwned; callers should simply Get again.
func (q *Queue) Get(ctx context.Context) (*Claim, error) {
	select {
	case <-q.stopped:
		return nil, errors.Wrap(ErrQueueStopped, "")
	default:
	}

	select {
	case id := <-q.pending:
		return q.claim(ctx, id)
	case <-q.stopped:
		return nil, errors.Wrap(ErrQueueStopped, "")
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "await job")
	}
}

func (q *Queue) claim(ctx context.Context, id uint64) (*Claim, error) {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND owner IS NULL", id).
		Updates(map[string]any{
			"owner": q.owner,
			"start": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "claim job", j.KV("job", id))
	}
	if res.RowsAffected == 0 {
		return nil, errors.Wrap(ErrJobOwned, "", j.KV("job", id))
	}

	var job Job
	if err := q.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, errors.Wrap(err, "load claimed job", j.KV("job", id))
	}

	claims.WithLabelValues(q.owner).Inc()
	return &Claim{q: q, Job: &job}, nil
}

// Claim is a job exclusively owned by this consumer. Exactly one of Complete
// or Abort must be called when processing finishes; an aborted job keeps its
// owner, so retries are an explicit re-insert rather than an implicit loop.
type Claim struct {
	q   *Queue
	Job *Job
}

// Complete marks the job finished successfully.
func (c *Claim) Complete(ctx context.Context) error {
	return c.finish(ctx, true)
}

// Abort marks the job finished unsuccessfully.
func (c *Claim) Abort(ctx context.Context) error {
	return c.finish(ctx, false)
}

func (c *Claim) finish(ctx context.Context, successful bool) error {
	err := c.q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", c.Job.ID).
		Updates(map[string]any{
			"end":        time.Now().UTC(),
			"successful": successful,
		}).Error
	if err != nil {
		return errors.Wrap(err, "finish job", j.MKV{
			"job": c.Job.ID, "successful": successful,
		})
	}
	if successful {
		completions.WithLabelValues(c.q.owner).Inc()
	} else {
		aborts.WithLabelValues(c.q.owner).Inc()
	}
	return nil
}
