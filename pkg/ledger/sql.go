package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/guid"
)

// Timestamps are stored as fixed-width UTC text, so lexicographic
// order in the database is chronological order, on every driver.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var recordColumns = []string{
	"id", "target", "kind", "status", "state", "version",
	"prior_version", "digest", "actor", "run_id", "message", "artifact", "created_at",
}

// SQL is a ledger on a relational database; postgres for shared
// deployments, sqlite for a single box.
type SQL struct {
	driver  *sql.DB
	builder squirrel.StatementBuilderType
	logger  log.Logger
}

func NewSQL(driver, datasource string, logger log.Logger) (*SQL, error) {
	db, err := sql.Open(driver, datasource)
	if err != nil {
		return nil, errors.Wrap(err, "opening ledger database")
	}
	s := &SQL{driver: db, logger: logger}
	switch driver {
	case "postgres":
		s.builder = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	case "sqlite":
		s.builder = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
		// An in-memory sqlite database exists per connection; more
		// than one connection means more than one database.
		db.SetMaxOpenConns(1)
	default:
		return nil, errors.Errorf("unsupported ledger driver %q", driver)
	}
	if err := s.ensureTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQL) ensureTables() error {
	tx, err := s.driver.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`CREATE TABLE IF NOT EXISTS releases
               (id            TEXT NOT NULL,
                target        TEXT NOT NULL,
                kind          TEXT NOT NULL,
                status        TEXT NOT NULL,
                state         TEXT NOT NULL,
                version       TEXT NOT NULL DEFAULT '',
                prior_version TEXT NOT NULL DEFAULT '',
                digest        TEXT NOT NULL DEFAULT '',
                actor         TEXT NOT NULL DEFAULT '',
                run_id        TEXT NOT NULL DEFAULT '',
                message       TEXT NOT NULL DEFAULT '',
                artifact      TEXT,
                created_at    TEXT NOT NULL)`)
	if err == nil {
		_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS releases_by_target
               ON releases (target, created_at)`)
	}
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "creating ledger tables")
	}
	return tx.Commit()
}

func (s *SQL) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = guid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var artifact interface{}
	if len(rec.Artifact) > 0 {
		artifact = string(rec.Artifact)
	}
	q, args, err := s.builder.Insert("releases").
		Columns(recordColumns...).
		Values(rec.ID, rec.Target, rec.Kind, rec.Status, rec.State, rec.Version,
			rec.PriorVersion, rec.Digest, rec.Actor, rec.RunID, rec.Message, artifact,
			rec.CreatedAt.UTC().Format(timeLayout)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.driver.ExecContext(ctx, q, args...); err != nil {
		return errors.Wrap(err, "appending release record")
	}
	s.logger.Log("ledger", "append", "target", rec.Target, "status", rec.Status, "id", rec.ID)
	return nil
}

func (s *SQL) History(ctx context.Context, targetID string) ([]Record, error) {
	return s.scanRecords(ctx, s.recordsQuery().Where(squirrel.Eq{"target": targetID}))
}

func (s *SQL) Latest(ctx context.Context, targetID string) (*Record, error) {
	recs, err := s.scanRecords(ctx, s.recordsQuery().Where(squirrel.Eq{"target": targetID}).Limit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoHistory
	}
	return &recs[0], nil
}

func (s *SQL) PruneArtifacts(ctx context.Context, olderThan time.Time) (int, error) {
	q, args, err := s.builder.Update("releases").
		Set("artifact", nil).
		Where(squirrel.NotEq{"artifact": nil}).
		Where(squirrel.Lt{"created_at": olderThan.UTC().Format(timeLayout)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.driver.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Wrap(err, "pruning artifact audit records")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQL) Close() error {
	return s.driver.Close()
}

func (s *SQL) recordsQuery() squirrel.SelectBuilder {
	return s.builder.Select(recordColumns...).
		From("releases").
		OrderBy("created_at DESC", "id")
}

func (s *SQL) scanRecords(ctx context.Context, query squirrel.SelectBuilder) ([]Record, error) {
	q, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.driver.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec      Record
			artifact sql.NullString
			created  string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Target, &rec.Kind, &rec.Status, &rec.State,
			&rec.Version, &rec.PriorVersion, &rec.Digest, &rec.Actor,
			&rec.RunID, &rec.Message, &artifact, &created,
		); err != nil {
			return nil, err
		}
		if artifact.Valid {
			rec.Artifact = []byte(artifact.String)
		}
		rec.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, errors.Wrapf(err, "bad timestamp on record %s", rec.ID)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
