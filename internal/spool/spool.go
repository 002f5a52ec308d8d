// Package spool collects the partial runs of worker processes in a shared
// sqlite file, so that a single coordinator can combine and deliver them.
package spool

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zlib"
	"github.com/raphi011/testreport/internal/model"
)

//go:embed migrations/*.sql
var fs embed.FS

// CoordinatorID is the worker id the coordinator saves its own results under.
const CoordinatorID = "coordinator"

type Spool struct {
	db  *sqlx.DB
	log *slog.Logger
}

// Open opens the spool file, creating it if needed. An empty filename
// opens a private in-memory spool.
func Open(filename string, log *slog.Logger) (*Spool, error) {
	db, err := sqlx.Connect("sqlite", connectionString(filename))
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}

	var version string
	if err = db.QueryRow("select sqlite_version()").Scan(&version); err != nil {
		return nil, fmt.Errorf("unable to retrieve sqlite version: %w", err)
	}

	log.Debug("opened spool", "file", filename, "sqlite-version", version)

	s := &Spool{
		db:  db,
		log: log,
	}

	if err = s.migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func connectionString(filename string) string {
	var cs string
	var options = []string{"_pragma=busy_timeout(5000)", "_pragma=journal_mode(WAL)", "_pragma=foreign_keys(1)", "_pragma=synchronous(normal)"}

	if filename != "" {
		cs = filename
	} else {
		cs = "file:" + randomAlphanumeric(16)
		options = append(options, "mode=memory", "cache=shared")
	}

	for i, o := range options {
		if i == 0 {
			cs += "?"
		} else {
			cs += "&"
		}
		cs += o
	}

	return cs
}

const alphaNumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = alphaNumericChars[rand.Intn(len(alphaNumericChars))]
	}
	return string(b)
}

func (s *Spool) migrateDB(db *sqlx.DB) error {
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return fmt.Errorf("load spool migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("load migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate with instance: %w", err)
	}

	err = m.Up()

	if err == migrate.ErrNoChange {
		s.log.Debug("spool schema is up to date")
	} else if err != nil {
		return fmt.Errorf("applying spool migrations: %w", err)
	}

	return nil
}

type spoolContextKey string

const txKey = spoolContextKey("spool.transaction")

func (s *Spool) startTransaction(ctx context.Context) (context.Context, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ctx, err
	}

	return context.WithValue(ctx, txKey, tx), nil
}

func (s *Spool) commitTransaction(ctx context.Context) error {
	v := ctx.Value(txKey)

	if v == nil {
		return errors.New("context does not contain a transaction")
	}

	return v.(*sqlx.Tx).Commit()
}

func (s *Spool) rollbackTransaction(ctx context.Context) {
	v := ctx.Value(txKey)

	if v != nil {
		err := v.(*sqlx.Tx).Rollback()
		if err != nil && err != sql.ErrTxDone {
			s.log.Warn("could not rollback transaction", "error", err)
		}
	}
}

func (s *Spool) getDB(ctx context.Context) commonDB {
	v := ctx.Value(txKey)

	if v == nil {
		return s.db
	}

	return v.(*sqlx.Tx)
}

// functions shared by `*sqlx.Tx` and `*sqlx.Db`
type commonDB interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
}

// Save stores the partial run of a worker. Saving again replaces the
// earlier partial of the same worker.
func (s *Spool) Save(ctx context.Context, workerID string, b model.Bundle) (err error) {
	run, err := json.Marshal(b.Run)
	if err != nil {
		return fmt.Errorf("unable to marshal run: %w", err)
	}

	ctx, err = s.startTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			s.rollbackTransaction(ctx)
		}
	}()

	db := s.getDB(ctx)
	key := map[string]any{"runId": b.Run.ID, "workerId": workerID}

	if _, err = db.NamedExecContext(ctx, `DELETE FROM WorkerRun WHERE runId=:runId and workerId=:workerId`, key); err != nil {
		return fmt.Errorf("removing earlier partial: %w", err)
	}

	_, err = db.NamedExecContext(ctx, `INSERT INTO WorkerRun
	(runId, workerId, run, savedTime) VALUES
	(:runId, :workerId, :run, :savedTime)`,
		map[string]any{
			"runId":     b.Run.ID,
			"workerId":  workerID,
			"run":       string(run),
			"savedTime": timeFormat(time.Now()),
		})
	if err != nil {
		return fmt.Errorf("inserting worker run: %w", err)
	}

	for i, r := range b.Results {
		var result []byte
		if result, err = json.Marshal(r); err != nil {
			return fmt.Errorf("unable to marshal result: %w", err)
		}

		_, err = db.NamedExecContext(ctx, `INSERT INTO WorkerResult
		(runId, workerId, resultId, position, result) VALUES
		(:runId, :workerId, :resultId, :position, :result)`,
			map[string]any{
				"runId":    b.Run.ID,
				"workerId": workerID,
				"resultId": r.ID,
				"position": i,
				"result":   string(result),
			})
		if err != nil {
			return fmt.Errorf("inserting worker result: %w", err)
		}
	}

	for i, a := range b.Artifacts {
		var content []byte
		if content, err = compress(a.Content); err != nil {
			return fmt.Errorf("unable to compress artifact: %w", err)
		}

		_, err = db.NamedExecContext(ctx, `INSERT INTO WorkerArtifact
		(runId, workerId, artifactId, resultId, filename, position, compressedContent) VALUES
		(:runId, :workerId, :artifactId, :resultId, :filename, :position, :content)`,
			map[string]any{
				"runId":      b.Run.ID,
				"workerId":   workerID,
				"artifactId": a.ID,
				"resultId":   a.ResultID,
				"filename":   a.Filename,
				"position":   i,
				"content":    content,
			})
		if err != nil {
			return fmt.Errorf("inserting worker artifact: %w", err)
		}
	}

	if err = s.commitTransaction(ctx); err != nil {
		return fmt.Errorf("committing partial: %w", err)
	}

	s.log.Debug("saved worker partial", "run-id", b.Run.ID, "worker-id", workerID, "results", len(b.Results))

	return nil
}

// Workers lists the workers that saved a partial of the run.
func (s *Spool) Workers(ctx context.Context, runID string) ([]string, error) {
	r, err := s.getDB(ctx).QueryxContext(ctx, `SELECT workerId FROM WorkerRun WHERE runId=? ORDER BY workerId`, runID)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	workers := []string{}
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning worker id: %w", err)
		}
		workers = append(workers, id)
	}

	return workers, r.Err()
}

// LoadPartials returns the partial of every worker of the run, ordered by
// worker id. It returns model.NotFoundError if no worker saved one.
func (s *Spool) LoadPartials(ctx context.Context, runID string) ([]model.Bundle, error) {
	workers, err := s.Workers(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, model.NotFoundError{}
	}

	parts := make([]model.Bundle, 0, len(workers))
	for _, w := range workers {
		b, err := s.loadPartial(ctx, runID, w)
		if err != nil {
			return nil, fmt.Errorf("loading partial of worker %s: %w", w, err)
		}
		parts = append(parts, b)
	}

	return parts, nil
}

// Combine loads all partials of the run and combines them into one bundle.
func (s *Spool) Combine(ctx context.Context, runID string) (model.Bundle, error) {
	parts, err := s.LoadPartials(ctx, runID)
	if err != nil {
		return model.Bundle{}, err
	}

	return model.CombineWorkerRuns(parts)
}

// Remove deletes every partial of the run.
func (s *Spool) Remove(ctx context.Context, runID string) error {
	_, err := s.getDB(ctx).NamedExecContext(ctx, `DELETE FROM WorkerRun WHERE runId=:runId`, map[string]any{"runId": runID})
	return err
}

func (s *Spool) loadPartial(ctx context.Context, runID, workerID string) (model.Bundle, error) {
	db := s.getDB(ctx)
	b := model.Bundle{Results: []model.Result{}, Artifacts: []model.Artifact{}}

	r, err := db.QueryxContext(ctx, `SELECT run FROM WorkerRun WHERE runId=? and workerId=?`, runID, workerID)
	if err != nil {
		return model.Bundle{}, err
	}
	if !r.Next() {
		r.Close()
		return model.Bundle{}, model.NotFoundError{}
	}
	var run []byte
	err = r.Scan(&run)
	r.Close()
	if err != nil {
		return model.Bundle{}, fmt.Errorf("scanning worker run: %w", err)
	}
	if err = json.Unmarshal(run, &b.Run); err != nil {
		return model.Bundle{}, fmt.Errorf("unmarshaling run: %w", err)
	}

	if b.Results, err = scanResults(ctx, db, runID, workerID); err != nil {
		return model.Bundle{}, err
	}

	if b.Artifacts, err = scanArtifacts(ctx, db, runID, workerID); err != nil {
		return model.Bundle{}, err
	}

	return b, nil
}

func scanResults(ctx context.Context, db commonDB, runID, workerID string) ([]model.Result, error) {
	r, err := db.QueryxContext(ctx, `SELECT result FROM WorkerResult WHERE runId=? and workerId=? ORDER BY position`, runID, workerID)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	results := []model.Result{}
	for r.Next() {
		var data []byte
		if err := r.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning worker result: %w", err)
		}

		var res model.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		results = append(results, res)
	}

	return results, r.Err()
}

func scanArtifacts(ctx context.Context, db commonDB, runID, workerID string) ([]model.Artifact, error) {
	r, err := db.QueryxContext(ctx, `SELECT artifactId, resultId, filename, compressedContent
	FROM WorkerArtifact WHERE runId=? and workerId=? ORDER BY position`, runID, workerID)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	artifacts := []model.Artifact{}
	for r.Next() {
		a := model.Artifact{RunID: runID}
		var content []byte

		if err := r.Scan(&a.ID, &a.ResultID, &a.Filename, &content); err != nil {
			return nil, fmt.Errorf("scanning worker artifact: %w", err)
		}

		if a.Content, err = decompress(content); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}

	return artifacts, r.Err()
}

func timeFormat(t time.Time) string {
	return t.Format(time.RFC3339)
}

func compress(content []byte) ([]byte, error) {
	var compressed bytes.Buffer

	w := zlib.NewWriter(&compressed)

	_, err := w.Write(content)
	w.Close()

	return compressed.Bytes(), err
}

func decompress(c []byte) ([]byte, error) {
	if len(c) == 0 {
		return []byte{}, nil
	}

	reader, err := zlib.NewReader(bytes.NewReader(c))
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}

	return content, nil
}
