// Package store is the record-store gateway: cursor-paginated reads,
// chunked writes and exclusions over the records table, reference-table
// scans, invariant counts for post-condition validators, and run history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"volumetry/internal/domain"
)

var ErrNotFound = errors.New("not found")

const dateLayout = "2006-01-02"

// Store wraps the SQLite connection with the paging and chunking policy the
// engine relies on. PageSize is capped by the store at MaxPageSize-equivalent
// bounds in config; ChunkSize bounds the blast radius of a failing write.
type Store struct {
	DB            *sql.DB
	PageSize      int
	ChunkSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
	Now           func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{
		DB:            db,
		PageSize:      500,
		ChunkSize:     25,
		RetryAttempts: 3,
		RetryBackoff:  50 * time.Millisecond,
		Now:           time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// withRetry runs op with bounded exponential backoff. This handles transient
// store faults; it is not the rule-level forceRetry.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	attempts := s.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.RetryBackoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if i < attempts-1 && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return err
			}
			backoff *= 2
		}
	}
	return err
}

const recordCols = `id, client_name, patient_name, COALESCE(study_description,''), modality, specialty, category, priority, value, realization_date, report_date, file_class, billing_period, COALESCE(last_updated_at,'')`

func scanRecord(rows *sql.Rows) (domain.ImagingRecord, error) {
	var r domain.ImagingRecord
	var value sql.NullInt64
	var realization, report sql.NullString
	var periodStr string
	err := rows.Scan(&r.ID, &r.ClientName, &r.PatientName, &r.StudyDescription,
		&r.Modality, &r.Specialty, &r.Category, &r.Priority, &value,
		&realization, &report, &r.FileClass, &periodStr, &r.LastUpdatedAt)
	if err != nil {
		return r, err
	}
	if value.Valid {
		r.Value = int(value.Int64)
	}
	if r.Period, err = domain.ParsePeriod(periodStr); err != nil {
		return r, err
	}
	r.RealizationDate = parseDate(realization)
	r.ReportDate = parseDate(report)
	return r, nil
}

func parseDate(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}

// FetchWorkingSet streams every non-excluded record of the (fileClass,
// period) working set, looping the cursor page by page until done. Callers
// never see a partial set.
func (s *Store) FetchWorkingSet(ctx context.Context, fc domain.FileClass, p domain.Period) ([]domain.ImagingRecord, error) {
	var out []domain.ImagingRecord
	cursor := ""
	for {
		page, next, done, err := s.fetchPage(ctx, fc, p, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if done {
			return out, nil
		}
		cursor = next
	}
}

// fetchPage returns one keyset-paginated page ordered by id. An empty or
// short page means the cursor is exhausted.
func (s *Store) fetchPage(ctx context.Context, fc domain.FileClass, p domain.Period, cursor string) ([]domain.ImagingRecord, string, bool, error) {
	limit := s.PageSize
	if limit < 1 {
		limit = 1
	}
	var page []domain.ImagingRecord
	err := s.withRetry(ctx, func() error {
		page = page[:0]
		rows, err := s.DB.QueryContext(ctx, `SELECT `+recordCols+` FROM records
WHERE file_class=? AND billing_period=? AND excluded_at IS NULL AND id>?
ORDER BY id LIMIT ?`, fc, p.String(), cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return err
			}
			page = append(page, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", false, fmt.Errorf("fetch page (class=%s cursor=%q): %w", fc, cursor, err)
	}
	if len(page) < limit {
		return page, "", true, nil
	}
	return page, page[len(page)-1].ID, false, nil
}

// WriteResult reports per-record outcomes of a chunked write or exclusion.
type WriteResult struct {
	Succeeded []string
	Failed    []domain.RecordFailure
}

// WriteBatch persists changed records in bounded chunks. A failed chunk does
// not abort the batch: the chunk is replayed record by record and failures
// are attached to the offending identifiers. Every successful write bumps
// last_updated_at.
func (s *Store) WriteBatch(ctx context.Context, records []domain.ImagingRecord) WriteResult {
	var res WriteResult
	now := s.now().UTC().Format(time.RFC3339)
	for _, chunk := range chunks(records, s.ChunkSize) {
		if err := s.writeChunk(ctx, chunk, now); err == nil {
			for _, r := range chunk {
				res.Succeeded = append(res.Succeeded, r.ID)
			}
			continue
		}
		// Chunk failed as a unit; isolate the failing records.
		for _, r := range chunk {
			if err := s.writeOne(ctx, r, now); err != nil {
				res.Failed = append(res.Failed, domain.RecordFailure{RecordID: r.ID, Reason: err.Error()})
			} else {
				res.Succeeded = append(res.Succeeded, r.ID)
			}
		}
	}
	return res
}

func (s *Store) writeChunk(ctx context.Context, chunk []domain.ImagingRecord, now string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, r := range chunk {
			if err := execUpdate(ctx, tx, r, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *Store) writeOne(ctx context.Context, r domain.ImagingRecord, now string) error {
	return s.withRetry(ctx, func() error {
		return execUpdate(ctx, s.DB, r, now)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execUpdate(ctx context.Context, e execer, r domain.ImagingRecord, now string) error {
	res, err := e.ExecContext(ctx, `UPDATE records
SET modality=?, specialty=?, category=?, priority=?, value=?, last_updated_at=?
WHERE id=? AND excluded_at IS NULL`,
		r.Modality, r.Specialty, r.Category, r.Priority, nullableInt(r.Value), now, r.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("record %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// ExcludeBatch logically deletes records from the working set by stamping
// excluded_at, in the same bounded chunks as WriteBatch. Remaining fields
// are never mutated.
func (s *Store) ExcludeBatch(ctx context.Context, ids []string) WriteResult {
	var res WriteResult
	now := s.now().UTC().Format(time.RFC3339)
	for _, chunk := range chunks(ids, s.ChunkSize) {
		if err := s.excludeChunk(ctx, chunk, now); err == nil {
			res.Succeeded = append(res.Succeeded, chunk...)
			continue
		}
		for _, id := range chunk {
			if err := s.excludeOne(ctx, id, now); err != nil {
				res.Failed = append(res.Failed, domain.RecordFailure{RecordID: id, Reason: err.Error()})
			} else {
				res.Succeeded = append(res.Succeeded, id)
			}
		}
	}
	return res
}

func (s *Store) excludeChunk(ctx context.Context, ids []string, now string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, id := range ids {
			if err := execExclude(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *Store) excludeOne(ctx context.Context, id, now string) error {
	return s.withRetry(ctx, func() error {
		return execExclude(ctx, s.DB, id, now)
	})
}

func execExclude(ctx context.Context, e execer, id, now string) error {
	res, err := e.ExecContext(ctx, `UPDATE records SET excluded_at=? WHERE id=? AND excluded_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func chunks[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// InsertRecord adds an ingested record. Value 0 is stored as NULL (unset).
func (s *Store) InsertRecord(ctx context.Context, r domain.ImagingRecord) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO records(id, client_name, patient_name, study_description, modality, specialty, category, priority, value, realization_date, report_date, file_class, billing_period, last_updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ClientName, r.PatientName, nullableStr(r.StudyDescription),
		r.Modality, r.Specialty, r.Category, r.Priority, nullableInt(r.Value),
		formatDate(r.RealizationDate), formatDate(r.ReportDate),
		r.FileClass, r.Period.String(), s.now().UTC().Format(time.RFC3339))
	return err
}

// GetRecord returns a single record by id, excluded or not.
func (s *Store) GetRecord(ctx context.Context, id string) (domain.ImagingRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+recordCols+` FROM records WHERE id=?`, id)
	if err != nil {
		return domain.ImagingRecord{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return domain.ImagingRecord{}, ErrNotFound
	}
	return scanRecord(rows)
}

// IsExcluded reports whether a record has been stamped out of the working set.
func (s *Store) IsExcluded(ctx context.Context, id string) (bool, error) {
	var excluded sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT excluded_at FROM records WHERE id=?`, id).Scan(&excluded)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return excluded.Valid && excluded.String != "", nil
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
