// Package recorder persists evaluation audit records to SQLite. The store
// is append-only: records are never updated or deleted, and user feedback
// arriving after the fact is written as a new correction record linked to
// the original.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

const schema = `
CREATE TABLE IF NOT EXISTS query_evaluations (
	id                   TEXT PRIMARY KEY,
	timestamp            TEXT NOT NULL,
	user_id              TEXT NOT NULL,
	question             TEXT NOT NULL,
	primary_artifact     TEXT NOT NULL,
	confidence_score     REAL NOT NULL DEFAULT 0,
	dimension_scores     TEXT,
	user_feedback        TEXT,
	execution_success    INTEGER,
	execution_time_ms    INTEGER,
	result_count         INTEGER,
	regeneration_count   INTEGER NOT NULL DEFAULT 0,
	final_accepted       INTEGER NOT NULL DEFAULT 0,
	analyzer_performance TEXT,
	notes                TEXT,
	corrects             TEXT REFERENCES query_evaluations(id)
);

CREATE TABLE IF NOT EXISTS evaluation_issues (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	evaluation_id TEXT NOT NULL REFERENCES query_evaluations(id) ON DELETE CASCADE,
	issue_type    TEXT NOT NULL,
	severity      TEXT NOT NULL,
	description   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluation_suggestions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	evaluation_id TEXT NOT NULL REFERENCES query_evaluations(id) ON DELETE CASCADE,
	suggestion    TEXT NOT NULL,
	priority      TEXT
);

CREATE INDEX IF NOT EXISTS idx_query_evaluations_user ON query_evaluations(user_id);
CREATE INDEX IF NOT EXISTS idx_query_evaluations_time ON query_evaluations(timestamp);
CREATE INDEX IF NOT EXISTS idx_evaluation_issues_eval ON evaluation_issues(evaluation_id);
CREATE INDEX IF NOT EXISTS idx_evaluation_suggestions_eval ON evaluation_suggestions(evaluation_id);
`

// SQLiteRecorder implements the Recorder contract on a local SQLite file.
type SQLiteRecorder struct {
	db  *sql.DB
	cfg queryscale.Config
}

// Open creates (or opens) the store at path and runs the schema migration.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string, cfg queryscale.Config) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, queryscale.NewRecordError("open", err)
	}
	// SQLite mediates all writes through one connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, queryscale.NewRecordError("open", fmt.Errorf("%s: %w", pragma, err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, queryscale.NewRecordError("migrate", err)
	}
	return &SQLiteRecorder{db: db, cfg: cfg}, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

// Record writes one evaluation record and its issues and suggestions in a
// single transaction.
func (r *SQLiteRecorder) Record(ctx context.Context, record *queryscale.EvaluationRecord) error {
	if err := record.Validate(r.cfg.MaxRegenerations); err != nil {
		return err
	}
	return r.insert(ctx, record, "")
}

func (r *SQLiteRecorder) insert(ctx context.Context, record *queryscale.EvaluationRecord, corrects string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return queryscale.NewRecordError("insert", err)
	}
	defer tx.Rollback()

	var dimensionJSON sql.NullString
	if len(record.DimensionScores) > 0 {
		raw, err := json.Marshal(record.DimensionScores)
		if err != nil {
			return queryscale.NewRecordError("insert", err)
		}
		dimensionJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_evaluations (
			id, timestamp, user_id, question, primary_artifact,
			confidence_score, dimension_scores, user_feedback,
			execution_success, execution_time_ms, result_count,
			regeneration_count, final_accepted, analyzer_performance, notes, corrects
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
		record.UserID,
		record.Question,
		record.PrimaryArtifact,
		record.ConfidenceScore,
		dimensionJSON,
		nullString(string(record.UserFeedback)),
		nullBool(record.ExecutionSuccess),
		nullInt64(record.ExecutionTimeMS),
		nullInt(record.ResultCount),
		record.RegenerationCount,
		record.FinalAccepted,
		nullString(string(record.Performance)),
		nullString(record.Notes),
		nullString(corrects),
	)
	if err != nil {
		return queryscale.NewRecordError("insert", err)
	}

	for _, issue := range record.Issues {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_issues (evaluation_id, issue_type, severity, description)
			VALUES (?, ?, ?, ?)`,
			record.ID, string(issue.Type), string(issue.Severity), issue.Description,
		); err != nil {
			return queryscale.NewRecordError("insert", err)
		}
	}
	for _, suggestion := range record.Suggestions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_suggestions (evaluation_id, suggestion, priority)
			VALUES (?, ?, ?)`,
			record.ID, suggestion.Text, nullString(suggestion.Priority),
		); err != nil {
			return queryscale.NewRecordError("insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return queryscale.NewRecordError("insert", err)
	}
	return nil
}

// AttachFeedback records user feedback on a previously written record. The
// original row is never touched: a new correction record is inserted that
// carries the feedback, the derived analyzer-performance label, and a link
// back to the original. Returns the new record's ID.
func (r *SQLiteRecorder) AttachFeedback(ctx context.Context, recordID string, feedback queryscale.FeedbackType, notes string) (string, error) {
	if !queryscale.ValidFeedbackType(feedback) {
		return "", queryscale.NewValidationError("recording",
			fmt.Sprintf("unknown user_feedback label '%s'", feedback), nil)
	}

	original, err := r.Get(ctx, recordID)
	if err != nil {
		return "", err
	}

	correction := queryscale.NewEvaluationRecord(original.UserID, original.Question, original.PrimaryArtifact)
	correction.ConfidenceScore = original.ConfidenceScore
	correction.DimensionScores = original.DimensionScores
	correction.RegenerationCount = original.RegenerationCount
	correction.FinalAccepted = original.FinalAccepted
	correction.ExecutionSuccess = original.ExecutionSuccess
	correction.ExecutionTimeMS = original.ExecutionTimeMS
	correction.ResultCount = original.ResultCount
	correction.UserFeedback = feedback
	correction.Performance = queryscale.ClassifyPerformance(
		original.ConfidenceScore, r.cfg.AcceptanceThreshold, feedback)
	correction.Notes = notes

	if err := r.insert(ctx, correction, recordID); err != nil {
		return "", err
	}
	return correction.ID, nil
}

// Get loads one record with its issues and suggestions.
func (r *SQLiteRecorder) Get(ctx context.Context, recordID string) (*queryscale.EvaluationRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, timestamp, user_id, question, primary_artifact,
		       confidence_score, dimension_scores, user_feedback,
		       execution_success, execution_time_ms, result_count,
		       regeneration_count, final_accepted, analyzer_performance, notes
		FROM query_evaluations WHERE id = ?`, recordID)

	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, queryscale.NewRecordError("get", fmt.Errorf("record '%s' not found", recordID))
	}
	if err != nil {
		return nil, queryscale.NewRecordError("get", err)
	}

	issues, err := r.db.QueryContext(ctx, `
		SELECT issue_type, severity, description FROM evaluation_issues
		WHERE evaluation_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, queryscale.NewRecordError("get", err)
	}
	defer issues.Close()
	for issues.Next() {
		var issue queryscale.Issue
		if err := issues.Scan(&issue.Type, &issue.Severity, &issue.Description); err != nil {
			return nil, queryscale.NewRecordError("get", err)
		}
		record.Issues = append(record.Issues, issue)
	}
	if err := issues.Err(); err != nil {
		return nil, queryscale.NewRecordError("get", err)
	}

	suggestions, err := r.db.QueryContext(ctx, `
		SELECT suggestion, priority FROM evaluation_suggestions
		WHERE evaluation_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, queryscale.NewRecordError("get", err)
	}
	defer suggestions.Close()
	for suggestions.Next() {
		var suggestion queryscale.Suggestion
		var priority sql.NullString
		if err := suggestions.Scan(&suggestion.Text, &priority); err != nil {
			return nil, queryscale.NewRecordError("get", err)
		}
		suggestion.Priority = priority.String
		record.Suggestions = append(record.Suggestions, suggestion)
	}
	if err := suggestions.Err(); err != nil {
		return nil, queryscale.NewRecordError("get", err)
	}
	return record, nil
}

// ListRecent returns up to limit records for a user, newest first.
func (r *SQLiteRecorder) ListRecent(ctx context.Context, userID string, limit int) ([]*queryscale.EvaluationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, timestamp, user_id, question, primary_artifact,
		       confidence_score, dimension_scores, user_feedback,
		       execution_success, execution_time_ms, result_count,
		       regeneration_count, final_accepted, analyzer_performance, notes
		FROM query_evaluations WHERE user_id = ?
		ORDER BY timestamp DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, queryscale.NewRecordError("list", err)
	}
	defer rows.Close()

	var records []*queryscale.EvaluationRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, queryscale.NewRecordError("list", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, queryscale.NewRecordError("list", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*queryscale.EvaluationRecord, error) {
	var record queryscale.EvaluationRecord
	var timestamp string
	var dimensionJSON, userFeedback, performance, notes sql.NullString
	var executionSuccess sql.NullBool
	var executionTimeMS sql.NullInt64
	var resultCount sql.NullInt64

	err := row.Scan(
		&record.ID, &timestamp, &record.UserID, &record.Question, &record.PrimaryArtifact,
		&record.ConfidenceScore, &dimensionJSON, &userFeedback,
		&executionSuccess, &executionTimeMS, &resultCount,
		&record.RegenerationCount, &record.FinalAccepted, &performance, &notes,
	)
	if err != nil {
		return nil, err
	}

	record.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("malformed timestamp '%s': %w", timestamp, err)
	}
	if dimensionJSON.Valid {
		if err := json.Unmarshal([]byte(dimensionJSON.String), &record.DimensionScores); err != nil {
			return nil, fmt.Errorf("malformed dimension_scores: %w", err)
		}
	}
	record.UserFeedback = queryscale.FeedbackType(userFeedback.String)
	record.Performance = queryscale.AnalyzerPerformance(performance.String)
	record.Notes = notes.String
	if executionSuccess.Valid {
		v := executionSuccess.Bool
		record.ExecutionSuccess = &v
	}
	if executionTimeMS.Valid {
		v := executionTimeMS.Int64
		record.ExecutionTimeMS = &v
	}
	if resultCount.Valid {
		v := int(resultCount.Int64)
		record.ResultCount = &v
	}
	return &record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
