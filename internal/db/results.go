package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/banshee-data/tagvision/internal/model"
)

// Run identifies one process lifetime of a named pipeline.
type Run struct {
	ID      uuid.UUID
	Name    string
	Kind    model.Kind
	Version string
}

// StartRun records a new run and returns it.
func (db *DB) StartRun(name string, kind model.Kind, version string) (Run, error) {
	run := Run{ID: uuid.New(), Name: name, Kind: kind, Version: version}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, name, kind, version) VALUES (?, ?, ?, ?)`,
		run.ID.String(), name, kind.String(), version,
	)
	if err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// ResultRow is one logged result.
type ResultRow struct {
	RunID             uuid.UUID
	CaptureTimeMicros uint64
	Kind              string
	TagsUsed          []int
	FieldX            sql.NullFloat64
	FieldY            sql.NullFloat64
	FieldZ            sql.NullFloat64
	Ambiguity         sql.NullFloat64
	Packed            []byte
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, len(parts))
	for i, p := range parts {
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad tags_used %q: %w", s, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// RecordResult logs r under run along with its packed encoding.
func (db *DB) RecordResult(run Run, r model.Result, packed []byte) error {
	var x, y, z, amb sql.NullFloat64
	if t, ok := r.FieldTranslation(); ok {
		x = sql.NullFloat64{Float64: t.X, Valid: true}
		y = sql.NullFloat64{Float64: t.Y, Valid: true}
		z = sql.NullFloat64{Float64: t.Z, Valid: true}
	}
	if mp, ok := r.Variant.(model.MarkerPose); ok && mp.FieldPose != nil && mp.FieldPose.HasSecondary() {
		amb = sql.NullFloat64{Float64: mp.FieldPose.Ambiguity(), Valid: true}
	}

	_, err := db.Exec(
		`INSERT INTO results (
			run_id, capture_time_us, kind, tags_used, field_x, field_y, field_z, ambiguity, packed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), int64(r.CaptureTimeMicros), r.Kind().String(), joinIDs(r.TagsUsed()),
		x, y, z, amb, packed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// RecentResults returns up to limit results for run, newest capture first.
func (db *DB) RecentResults(run Run, limit int) ([]ResultRow, error) {
	rows, err := db.Query(
		`SELECT run_id, capture_time_us, kind, tags_used, field_x, field_y, field_z, ambiguity, packed
		FROM results WHERE run_id = ? ORDER BY capture_time_us DESC, result_id DESC LIMIT ?`,
		run.ID.String(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var (
			row   ResultRow
			runID string
			ts    int64
			tags  string
		)
		if err := rows.Scan(&runID, &ts, &row.Kind, &tags,
			&row.FieldX, &row.FieldY, &row.FieldZ, &row.Ambiguity, &row.Packed); err != nil {
			return nil, err
		}
		if row.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("bad run_id %q: %w", runID, err)
		}
		if row.TagsUsed, err = splitIDs(tags); err != nil {
			return nil, err
		}
		row.CaptureTimeMicros = uint64(ts)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ResultCount returns the number of results logged for run.
func (db *DB) ResultCount(run Run) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM results WHERE run_id = ?`, run.ID.String()).Scan(&n)
	return n, err
}
