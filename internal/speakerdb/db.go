// Package speakerdb stores enrolled speaker vectors in BadgerDB and matches
// new vectors against them by cosine similarity.
package speakerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"gonum.org/v1/gonum/floats"

	"github.com/loqalabs/loqa-stt/internal/stt/speaker"
)

var (
	// ErrNotFound is returned for unknown speaker names.
	ErrNotFound = errors.New("speakerdb: speaker not found")
	// ErrDimension is returned when a vector does not match the enrolled
	// dimension.
	ErrDimension = errors.New("speakerdb: vector dimension mismatch")
)

const keyPrefix = "speaker/"

// Speaker is an enrolled speaker. Vector is the L2-normalised mean of every
// enrolled sample.
type Speaker struct {
	Name      string    `json:"name"`
	Vector    []float64 `json:"vector"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Match is the best enrolled speaker for a vector.
type Match struct {
	Name  string
	Score float64
}

// Options configures the database.
type Options struct {
	// Dir holds the badger files. Required unless InMemory is set.
	Dir      string
	InMemory bool
	// Threshold is the minimum cosine similarity for Identify.
	Threshold float64
	Logger    *slog.Logger
}

// DB is a speaker enrollment database. It is safe for concurrent use.
type DB struct {
	db        *badger.DB
	threshold float64
	log       *slog.Logger
	clock     func() time.Time
}

// Open opens or creates the database.
func Open(opts Options) (*DB, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("speakerdb: Dir is required for on-disk mode")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "speakerdb"))

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{log: log})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open speaker db: %w", err)
	}
	return &DB{db: db, threshold: opts.Threshold, log: log, clock: time.Now}, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func key(name string) []byte {
	return []byte(keyPrefix + name)
}

// Enroll adds a sample vector for name, creating the speaker if needed.
func (d *DB) Enroll(ctx context.Context, name string, vector []float64) (Speaker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Speaker{}, errors.New("speakerdb: name is required")
	}
	if len(vector) == 0 || floats.HasNaN(vector) {
		return Speaker{}, errors.New("speakerdb: vector is empty or invalid")
	}
	if err := ctx.Err(); err != nil {
		return Speaker{}, err
	}

	var out Speaker
	err := d.db.Update(func(txn *badger.Txn) error {
		if err := d.checkDimension(txn, name, len(vector)); err != nil {
			return err
		}
		spk, err := get(txn, name)
		switch {
		case errors.Is(err, ErrNotFound):
			spk = Speaker{Name: name, Vector: make([]float64, len(vector))}
		case err != nil:
			return err
		}

		// Running mean over normalised samples.
		sample := normalised(vector)
		n := float64(spk.Samples)
		for i := range spk.Vector {
			spk.Vector[i] = (spk.Vector[i]*n + sample[i]) / (n + 1)
		}
		spk.Vector = normalised(spk.Vector)
		spk.Samples++
		spk.UpdatedAt = d.clock().UTC()

		data, err := json.Marshal(spk)
		if err != nil {
			return err
		}
		out = spk
		return txn.Set(key(name), data)
	})
	if err != nil {
		return Speaker{}, err
	}
	d.log.Info("speaker enrolled", slog.String("name", name), slog.Int("samples", out.Samples))
	return out, nil
}

// checkDimension rejects vectors that do not match existing enrollments.
func (d *DB) checkDimension(txn *badger.Txn, name string, dim int) error {
	var mismatch bool
	err := iterate(txn, func(spk Speaker) bool {
		if len(spk.Vector) != dim {
			mismatch = true
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if mismatch {
		return fmt.Errorf("%w: got %d for %s", ErrDimension, dim, name)
	}
	return nil
}

// Identify returns the enrolled speaker most similar to vector. ok is false
// when nobody scores at least the configured threshold.
func (d *DB) Identify(ctx context.Context, vector []float64) (Match, bool, error) {
	if err := ctx.Err(); err != nil {
		return Match{}, false, err
	}
	best := Match{Score: math.Inf(-1)}
	err := d.db.View(func(txn *badger.Txn) error {
		return iterate(txn, func(spk Speaker) bool {
			if score := speaker.Cosine(spk.Vector, vector); score > best.Score {
				best = Match{Name: spk.Name, Score: score}
			}
			return true
		})
	})
	if err != nil {
		return Match{}, false, err
	}
	if best.Name == "" || best.Score < d.threshold {
		return Match{}, false, nil
	}
	return best, true, nil
}

// Get returns the named speaker.
func (d *DB) Get(ctx context.Context, name string) (Speaker, error) {
	if err := ctx.Err(); err != nil {
		return Speaker{}, err
	}
	var out Speaker
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = get(txn, name)
		return err
	})
	return out, err
}

// List returns every enrolled speaker ordered by name.
func (d *DB) List(ctx context.Context) ([]Speaker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Speaker
	err := d.db.View(func(txn *badger.Txn) error {
		return iterate(txn, func(spk Speaker) bool {
			out = append(out, spk)
			return true
		})
	})
	return out, err
}

// Remove deletes the named speaker.
func (d *DB) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key(name))
	})
	if err == nil {
		d.log.Info("speaker removed", slog.String("name", name))
	}
	return err
}

func get(txn *badger.Txn, name string) (Speaker, error) {
	item, err := txn.Get(key(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Speaker{}, ErrNotFound
	}
	if err != nil {
		return Speaker{}, err
	}
	var spk Speaker
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &spk)
	})
	return spk, err
}

// iterate visits speakers in key order until fn returns false.
func iterate(txn *badger.Txn, fn func(Speaker) bool) error {
	prefix := []byte(keyPrefix)
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = prefix
	it := txn.NewIterator(iterOpts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var spk Speaker
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &spk)
		})
		if err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		if !fn(spk) {
			return nil
		}
	}
	return nil
}

func normalised(v []float64) []float64 {
	out := append([]float64(nil), v...)
	if n := floats.Norm(out, 2); n > 0 {
		floats.Scale(1/n, out)
	}
	return out
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
