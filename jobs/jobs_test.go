package jobs_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/techresidents/svccore/coordinator"
	"github.com/techresidents/svccore/jobs"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db") +
		"?_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := gorm.Open(gormlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, jobs.Migrate(db))
	return db
}

func testQueue(t *testing.T, db *gorm.DB, owner string, opts ...jobs.Option) *jobs.Queue {
	t.Helper()
	opts = append([]jobs.Option{
		jobs.WithPollInterval(5 * time.Millisecond),
		jobs.WithLogger(coordinator.NopLogger{}),
	}, opts...)
	q := jobs.NewQueue(db, owner, opts...)
	q.Start()
	t.Cleanup(func() {
		q.Stop()
		jtest.RequireNil(t, q.Join(2*time.Second))
	})
	return q
}

// getJob retries through claim races; duplicate buffered ids are expected.
func getJob(t *testing.T, q *jobs.Queue) *jobs.Claim {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		c, err := q.Get(ctx)
		if errors.Is(err, jobs.ErrJobOwned) {
			continue
		}
		jtest.RequireNil(t, err)
		return c
	}
}

func TestClaimAndComplete(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	job := &jobs.Job{Type: "archive", Payload: []byte(`{"chat":7}`)}
	jtest.RequireNil(t, db.Create(job).Error)

	q := testQueue(t, db, "archivesvc")
	c := getJob(t, q)

	assert.Equal(t, job.ID, c.Job.ID)
	assert.Equal(t, "archive", c.Job.Type)
	assert.Equal(t, []byte(`{"chat":7}`), c.Job.Payload)

	jtest.RequireNil(t, c.Complete(ctx))

	var row jobs.Job
	jtest.RequireNil(t, db.First(&row, job.ID).Error)
	require.NotNil(t, row.Owner)
	assert.Equal(t, "archivesvc", *row.Owner)
	require.NotNil(t, row.Start)
	require.NotNil(t, row.End)
	require.NotNil(t, row.Successful)
	assert.True(t, *row.Successful)
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	jtest.RequireNil(t, db.Create(&jobs.Job{Type: "archive"}).Error)

	q := testQueue(t, db, "archivesvc")
	c := getJob(t, q)
	jtest.RequireNil(t, c.Abort(ctx))

	var row jobs.Job
	jtest.RequireNil(t, db.First(&row, c.Job.ID).Error)
	require.NotNil(t, row.Successful)
	assert.False(t, *row.Successful)
	require.NotNil(t, row.End)
}

func TestDuplicateBufferedJobIsOwned(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	jtest.RequireNil(t, db.Create(&jobs.Job{Type: "archive"}).Error)

	q := testQueue(t, db, "archivesvc")

	// Let several polls buffer the same unclaimed id.
	time.Sleep(100 * time.Millisecond)

	c, err := q.Get(ctx)
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, c.Complete(ctx))

	getCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = q.Get(getCtx)
	jtest.Require(t, jobs.ErrJobOwned, err)
}

func TestClaimedJobNotRepolled(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	jtest.RequireNil(t, db.Create(&jobs.Job{Type: "archive"}).Error)

	q := testQueue(t, db, "archivesvc")
	c := getJob(t, q)
	jtest.RequireNil(t, c.Complete(ctx))

	// The claimed job never reappears; only fresh rows are buffered.
	jtest.RequireNil(t, db.Create(&jobs.Job{Type: "cleanup"}).Error)
	next := getJob(t, q)
	assert.Equal(t, "cleanup", next.Job.Type)
}

func TestNotBeforeDefersJob(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	future := time.Now().UTC().Add(time.Hour)
	jtest.RequireNil(t, db.Create(&jobs.Job{Type: "later", NotBefore: &future}).Error)

	q := testQueue(t, db, "archivesvc")

	getCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := q.Get(getCtx)
	jtest.Require(t, context.DeadlineExceeded, err)
}

func TestPriorityOrder(t *testing.T) {
	db := testDB(t)
	jtest.RequireNil(t, db.Create(&jobs.Job{Type: "low", Priority: 2}).Error)
	jtest.RequireNil(t, db.Create(&jobs.Job{Type: "high", Priority: 1}).Error)

	q := testQueue(t, db, "archivesvc")
	c := getJob(t, q)
	assert.Equal(t, "high", c.Job.Type)
}

func TestGetAfterStop(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	q := jobs.NewQueue(db, "archivesvc",
		jobs.WithPollInterval(time.Hour),
		jobs.WithLogger(coordinator.NopLogger{}),
	)
	q.Start()
	q.Stop()
	jtest.RequireNil(t, q.Join(2*time.Second))

	_, err := q.Get(ctx)
	jtest.Require(t, jobs.ErrQueueStopped, err)
}
