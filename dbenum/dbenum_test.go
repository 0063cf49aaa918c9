package dbenum_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/techresidents/svccore/dbenum"
)

type positionType struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"size:100"`
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "enum.db")
	db, err := gorm.Open(gormlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, db.AutoMigrate(&positionType{}))
	jtest.RequireNil(t, db.Create([]positionType{
		{ID: 1, Name: "developer"},
		{ID: 2, Name: "senior developer"},
		{ID: 3, Name: "manager"},
	}).Error)
	return db
}

func TestValueAndKey(t *testing.T) {
	ctx := context.Background()
	e := dbenum.New(testDB(t), "position_types", "name", "id")

	v, err := e.Value(ctx, "developer")
	jtest.RequireNil(t, err)
	assert.Equal(t, int64(1), v)

	v, err = e.Value(ctx, "manager")
	jtest.RequireNil(t, err)
	assert.Equal(t, int64(3), v)

	k, err := e.Key(ctx, 2)
	jtest.RequireNil(t, err)
	assert.Equal(t, "senior developer", k)

	_, err = e.Value(ctx, "intern")
	jtest.Require(t, dbenum.ErrUnknownEnum, err)
	_, err = e.Key(ctx, 99)
	jtest.Require(t, dbenum.ErrUnknownEnum, err)
}

func TestValues(t *testing.T) {
	ctx := context.Background()
	e := dbenum.New(testDB(t), "position_types", "name", "id")

	got := e.Values(ctx)
	assert.Equal(t, map[string]int64{
		"developer":        1,
		"senior developer": 2,
		"manager":          3,
	}, got)
}

func TestMissTriggersReload(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	e := dbenum.New(db, "position_types", "name", "id",
		dbenum.WithThrottle(0),
	)

	_, err := e.Value(ctx, "intern")
	jtest.Require(t, dbenum.ErrUnknownEnum, err)

	jtest.RequireNil(t, db.Create(&positionType{ID: 4, Name: "intern"}).Error)
	v, err := e.Value(ctx, "intern")
	jtest.RequireNil(t, err)
	assert.Equal(t, int64(4), v)
}

func TestThrottleSuppressesReload(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	e := dbenum.New(db, "position_types", "name", "id",
		dbenum.WithThrottle(time.Hour),
	)

	// First lookup loads the snapshot.
	_, err := e.Value(ctx, "developer")
	jtest.RequireNil(t, err)

	// A row added after the load stays invisible inside the throttle window.
	jtest.RequireNil(t, db.Create(&positionType{ID: 4, Name: "intern"}).Error)
	_, err = e.Value(ctx, "intern")
	jtest.Require(t, dbenum.ErrUnknownEnum, err)

	// Known entries keep answering from the cache.
	v, err := e.Value(ctx, "developer")
	jtest.RequireNil(t, err)
	assert.Equal(t, int64(1), v)
}

func TestProperty(t *testing.T) {
	assert.Equal(t, "SENIOR_DEVELOPER", dbenum.Property("senior developer"))
	assert.Equal(t, "MANAGER", dbenum.Property("manager"))
}
