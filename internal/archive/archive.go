// Package archive persists run reports so failing sequences survive the
// process and can be replayed or shrunk later.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/engine"
	"cluster-modelcheck/internal/logging"
)

var ErrNotFound = errors.New("run not found")

var runPrefix = []byte("run/")

// Summary is the listing view of an archived run.
type Summary struct {
	ID         string    `json:"id"`
	Passed     bool      `json:"passed"`
	Commands   int       `json:"commands"`
	Strategy   string    `json:"strategy"`
	Seed       int64     `json:"seed"`
	FinishedAt time.Time `json:"finished_at"`
}

type Archive struct {
	db     *badger.DB
	logger *logging.Logger
}

// Open opens (or creates) the archive. In-memory mode backs tests and
// throwaway runs.
func Open(cfg config.ArchiveConfig, logger *logging.Logger) (*Archive, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Archive{db: db, logger: logger.WithComponent("archive")}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Put stores one run report keyed by its run ID.
func (a *Archive) Put(report *engine.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", report.ID, err)
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(report.ID), data)
	})
	if err != nil {
		return fmt.Errorf("store report %s: %w", report.ID, err)
	}
	a.logger.Debug("run archived", "run_id", report.ID, "passed", report.Passed)
	return nil
}

// Get loads one archived run report.
func (a *Archive) Get(id string) (*engine.RunReport, error) {
	var report engine.RunReport
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// List returns summaries of every archived run.
func (a *Archive) List() ([]Summary, error) {
	out := make([]Summary, 0)
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(runPrefix); it.ValidForPrefix(runPrefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var report engine.RunReport
			if err := json.Unmarshal(data, &report); err != nil {
				return err
			}
			out = append(out, Summary{
				ID:         report.ID,
				Passed:     report.Passed,
				Commands:   len(report.Steps),
				Strategy:   report.Strategy,
				Seed:       report.Seed,
				FinishedAt: report.FinishedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func key(id string) []byte {
	return append(append([]byte(nil), runPrefix...), id...)
}
