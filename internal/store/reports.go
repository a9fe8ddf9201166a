package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"volumetry/internal/domain"
)

// InsertRunReport appends a completed run to the history. Reports are never
// updated after insertion.
func (s *Store) InsertRunReport(ctx context.Context, r domain.RunReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	classes := make([]string, len(r.FileClasses))
	for i, fc := range r.FileClasses {
		classes[i] = string(fc)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO run_reports(id, billing_period, file_classes, total_examined, total_changed, total_excluded, overall_success, payload_json, created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Period, strings.Join(classes, ","), r.TotalExamined, r.TotalChanged, r.TotalExcluded,
		boolInt(r.OverallSuccess), string(payload), r.Timestamp)
	return err
}

// GetRunReport returns one run report by id.
func (s *Store) GetRunReport(ctx context.Context, id string) (domain.RunReport, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload_json FROM run_reports WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.RunReport{}, ErrNotFound
	}
	if err != nil {
		return domain.RunReport{}, err
	}
	var r domain.RunReport
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return domain.RunReport{}, fmt.Errorf("decode run report %s: %w", id, err)
	}
	return r, nil
}

// ListRunReports returns the most recent runs, newest first.
func (s *Store) ListRunReports(ctx context.Context, limit int) ([]domain.RunReport, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT payload_json FROM run_reports ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RunReport
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r domain.RunReport
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestEvents returns recent run-log lines, optionally filtered.
func (s *Store) LatestEvents(ctx context.Context, n int, evtType, runID string) ([]domain.Event, error) {
	if n < 1 {
		n = 20
	}
	query := `SELECT id, ts, type, COALESCE(run_id,''), COALESCE(file_class,''), COALESCE(rule_name,''), payload_json FROM events`
	var conds []string
	var args []any
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if runID != "" {
		conds = append(conds, "run_id=?")
		args = append(args, runID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.FileClass, &e.RuleName, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
