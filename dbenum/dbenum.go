// Package dbenum exposes small database lookup tables as in-memory enums.
//
// Many reference tables map a human-readable name to a stable integer id.
// Enum caches such a table and refreshes it on demand: a miss or a stale
// cache triggers a reload, throttled so a stream of lookups for a genuinely
// unknown name cannot hammer the database.
package dbenum

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"gorm.io/gorm"

	"github.com/techresidents/svccore/coordinator"
)

// ErrUnknownEnum is returned when a key or value is absent from the lookup
// table even after a refresh.
var ErrUnknownEnum = errors.New("no such enum entry", j.C("ERR_b42f7c091e8d63a5"))

type options struct {
	expire   time.Duration
	throttle time.Duration
	log      coordinator.Logger
}

// Option configures an Enum.
type Option func(*options)

// WithExpiry overrides how long a loaded snapshot is considered fresh.
func WithExpiry(d time.Duration) Option {
	return func(o *options) {
		o.expire = d
	}
}

// WithThrottle overrides the minimum time between reloads. Misses inside the
// throttle window are answered from the cached snapshot.
func WithThrottle(d time.Duration) Option {
	return func(o *options) {
		o.throttle = d
	}
}

// WithLogger overrides the default jettison logger.
func WithLogger(l coordinator.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// Enum is a cached view of one lookup table, mapping a key column to a value
// column in both directions.
type Enum struct {
	db          *gorm.DB
	table       string
	keyColumn   string
	valueColumn string
	options     options

	mu           sync.Mutex
	loadedAt     time.Time
	keysToValues map[string]int64
	valuesToKeys map[int64]string
}

// New returns an Enum over the named table. Nothing is loaded until the first
// lookup.
func New(db *gorm.DB, table, keyColumn, valueColumn string, opts ...Option) *Enum {
	o := options{
		expire:   time.Hour,
		throttle: time.Minute,
		log:      coordinator.JLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Enum{
		db:          db,
		table:       table,
		keyColumn:   keyColumn,
		valueColumn: valueColumn,
		options:     o,
	}
}

// Value returns the value for key, refreshing the cache if the key is unseen
// or the snapshot is stale.
func (e *Enum) Value(ctx context.Context, key string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.keysToValues[key]
	e.maybeLoad(ctx, !ok)

	v, ok := e.keysToValues[key]
	if !ok {
		return 0, errors.Wrap(ErrUnknownEnum, "", j.MKV{
			"table": e.table, "key": key,
		})
	}
	return v, nil
}

// Key returns the key for value, refreshing the cache if the value is unseen
// or the snapshot is stale.
func (e *Enum) Key(ctx context.Context, value int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.valuesToKeys[value]
	e.maybeLoad(ctx, !ok)

	k, ok := e.valuesToKeys[value]
	if !ok {
		return "", errors.Wrap(ErrUnknownEnum, "", j.MKV{
			"table": e.table, "value": value,
		})
	}
	return k, nil
}

// Values returns a copy of the cached key to value mapping, refreshing the
// cache first if it is stale or never loaded.
func (e *Enum) Values(ctx context.Context) map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.maybeLoad(ctx, e.loadedAt.IsZero())

	ret := make(map[string]int64, len(e.keysToValues))
	for k, v := range e.keysToValues {
		ret[k] = v
	}
	return ret
}

// maybeLoad refreshes the snapshot when it is missed or expired, unless a
// reload happened within the throttle window. Load failures are logged and
// the previous snapshot kept, so a database blip degrades to stale reads.
func (e *Enum) maybeLoad(ctx context.Context, miss bool) {
	stale := time.Since(e.loadedAt) > e.options.expire
	if !miss && !stale {
		return
	}
	if time.Since(e.loadedAt) <= e.options.throttle {
		return
	}
	if err := e.load(ctx); err != nil {
		// NoReturnErr: Serve the previous snapshot.
		e.options.log.Error(ctx, errors.Wrap(err, "load enum table", j.KV("table", e.table)))
	}
}

func (e *Enum) load(ctx context.Context) error {
	e.loadedAt = time.Now()

	var rows []struct {
		K string
		V int64
	}
	err := e.db.WithContext(ctx).Table(e.table).
		Select(fmt.Sprintf("%s AS k, %s AS v", e.keyColumn, e.valueColumn)).
		Scan(&rows).Error
	if err != nil {
		return err
	}

	keysToValues := make(map[string]int64, len(rows))
	valuesToKeys := make(map[int64]string, len(rows))
	for _, row := range rows {
		keysToValues[row.K] = row.V
		valuesToKeys[row.V] = row.K
	}
	e.keysToValues = keysToValues
	e.valuesToKeys = valuesToKeys
	return nil
}

// Property converts a key into a constant-style identifier, the form services
// use to refer to enum entries in code.
func Property(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, " ", "_"))
}
