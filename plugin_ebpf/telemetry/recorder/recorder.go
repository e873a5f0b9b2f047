/*
 * @Author: CALM.WU
 * @Date: 2024-03-21 14:06:58
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-22 17:13:20
 */

// Package recorder journals raw telemetry events into a WAL mode SQLite
// database, one run id per loader session.
package recorder

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/eventcenter"
)

const (
	// events written per transaction at most
	maxBatch = 256

	ddl = `
CREATE TABLE IF NOT EXISTS runs (
    run_id         TEXT    PRIMARY KEY,
    pid            INTEGER NOT NULL,
    started_at     INTEGER NOT NULL,
    kernel_release TEXT    NOT NULL DEFAULT '',
    tier           TEXT    NOT NULL DEFAULT '',
    profile        TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS samples (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT    NOT NULL,
    ts     INTEGER NOT NULL,
    cpu    INTEGER NOT NULL,
    size   INTEGER NOT NULL,
    data   BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS lost (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT    NOT NULL,
    ts     INTEGER NOT NULL,
    cpu    INTEGER NOT NULL,
    count  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_run ON samples (run_id, id);
CREATE INDEX IF NOT EXISTS idx_lost_run ON lost (run_id, id);
`
)

// SQLiteRecorder is safe for concurrent use.
type SQLiteRecorder struct {
	db    *sql.DB
	runID string

	written atomic.Uint64
	failed  atomic.Uint64
}

// Open opens or creates the database at path and starts a new run.
func Open(ctx context.Context, path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open recorder db %s", path)
	}
	// one writer
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA synchronous = NORMAL`, ddl} {
		if _, err = db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "init recorder db %s", path)
		}
	}

	r := &SQLiteRecorder{
		db:    db,
		runID: uuid.NewString(),
	}

	if _, err = db.ExecContext(ctx, `INSERT INTO runs (run_id, pid, started_at) VALUES (?, ?, ?)`,
		r.runID, os.Getpid(), time.Now().UnixNano()); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "insert run %s", r.runID)
	}

	glog.Infof("recorder db:'%s' run:'%s' opened", path, r.runID)
	return r, nil
}

func (r *SQLiteRecorder) RunID() string {
	return r.runID
}

// Describe stores the loader state of the current run.
func (r *SQLiteRecorder) Describe(ctx context.Context, release, tier, profile string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE runs SET kernel_release = ?, tier = ?, profile = ? WHERE run_id = ?`,
		release, tier, profile, r.runID)
	return errors.Wrapf(err, "update run %s", r.runID)
}

// Write journals evts in one transaction.
func (r *SQLiteRecorder) Write(ctx context.Context, evts ...*eventcenter.Event) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin recorder tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, evt := range evts {
		ts := evt.Time.UnixNano()
		switch evt.Type {
		case eventcenter.EventSample:
			_, err = tx.ExecContext(ctx, `INSERT INTO samples (run_id, ts, cpu, size, data) VALUES (?, ?, ?, ?, ?)`,
				r.runID, ts, evt.CPU, len(evt.Data), evt.Data)
		case eventcenter.EventLost:
			_, err = tx.ExecContext(ctx, `INSERT INTO lost (run_id, ts, cpu, count) VALUES (?, ?, ?, ?)`,
				r.runID, ts, evt.CPU, int64(evt.Lost))
		default:
			err = errors.Errorf("unexpected event type '%s'", evt.Type)
		}
		if err != nil {
			return errors.Wrap(err, "insert event")
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit recorder tx")
	}
	r.written.Add(uint64(len(evts)))
	return nil
}

// Consume writes the events of ch until ch is closed or ctx is done.
func (r *SQLiteRecorder) Consume(ctx context.Context, ch <-chan *eventcenter.Event) {
	glog.Infof("recorder run:'%s' start consume events...", r.runID)

	batch := make([]*eventcenter.Event, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			glog.Warningf("recorder run:'%s' receive stop notify", r.runID)
			return
		case evt, ok := <-ch:
			if !ok {
				glog.Infof("recorder run:'%s' event channel closed, %d events written", r.runID, r.written.Load())
				return
			}

			batch = append(batch[:0], evt)
		fill:
			for len(batch) < maxBatch {
				select {
				case more, ok := <-ch:
					if !ok {
						break fill
					}
					batch = append(batch, more)
				default:
					break fill
				}
			}

			// the consumer context may already be done, the batch is written regardless
			if err := r.Write(context.Background(), batch...); err != nil {
				r.failed.Add(uint64(len(batch)))
				glog.Errorf("recorder run:'%s' write %d events failed. err:%s", r.runID, len(batch), err.Error())
			}
		}
	}
}

// Counts returns the number of samples and loss records of the current run.
func (r *SQLiteRecorder) Counts(ctx context.Context) (samples, lost int64, err error) {
	if err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE run_id = ?`, r.runID).Scan(&samples); err != nil {
		return 0, 0, errors.Wrap(err, "count samples")
	}
	if err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lost WHERE run_id = ?`, r.runID).Scan(&lost); err != nil {
		return 0, 0, errors.Wrap(err, "count lost")
	}
	return samples, lost, nil
}

func (r *SQLiteRecorder) Written() uint64 {
	return r.written.Load()
}

func (r *SQLiteRecorder) Failed() uint64 {
	return r.failed.Load()
}

func (r *SQLiteRecorder) Close() error {
	glog.Infof("recorder run:'%s' close, written:%d failed:%d", r.runID, r.written.Load(), r.failed.Load())
	return r.db.Close()
}
