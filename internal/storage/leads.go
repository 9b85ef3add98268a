package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadscore/leadscore/internal/lead"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// optionalTime stores the zero time as an empty string.
func optionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return parseTime(s)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveAggregate creates the lead for a.Key if needed and appends the score
// and analysis in a single transaction. It returns the updated lead.
func (s *Store) SaveAggregate(ctx context.Context, a Append) (lead.Lead, error) {
	if a.Key == "" {
		return lead.Lead{}, errors.New("saving lead: empty key")
	}
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	featuresJSON, err := json.Marshal(a.Features)
	if err != nil {
		return lead.Lead{}, fmt.Errorf("encoding features: %w", err)
	}
	techJSON, err := json.Marshal(lead.NormalizeTechnologies(a.Technologies))
	if err != nil {
		return lead.Lead{}, fmt.Errorf("encoding technologies: %w", err)
	}
	industry, hasAnalysis := "", a.Analysis != nil
	if hasAnalysis {
		industry = strings.TrimSpace(a.Analysis.Industry)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lead.Lead{}, fmt.Errorf("beginning aggregate transaction: %w", err)
	}
	defer tx.Rollback()

	var leadID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM leads WHERE key = ?`, a.Key).Scan(&leadID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		leadID = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leads (id, key, url, company_name, contact_email, technologies_json, industry, features_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			leadID, a.Key, a.URL, a.CompanyName, a.ContactEmail, nullableJSON(techJSON), industry,
			string(featuresJSON), formatTime(at), formatTime(at))
		if err != nil {
			return lead.Lead{}, fmt.Errorf("inserting lead: %w", err)
		}
	case err != nil:
		return lead.Lead{}, fmt.Errorf("looking up lead: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE leads SET
				url = CASE WHEN ? = '' THEN url ELSE ? END,
				company_name = CASE WHEN ? = '' THEN company_name ELSE ? END,
				contact_email = CASE WHEN ? = '' THEN contact_email ELSE ? END,
				technologies_json = CASE WHEN ? = '[]' THEN technologies_json ELSE ? END,
				industry = CASE WHEN ? THEN ? ELSE industry END,
				features_json = ?,
				updated_at = ?
			WHERE id = ?`,
			a.URL, a.URL, a.CompanyName, a.CompanyName, a.ContactEmail, a.ContactEmail,
			nullableJSON(techJSON), nullableJSON(techJSON), hasAnalysis, industry,
			string(featuresJSON), formatTime(at), leadID)
		if err != nil {
			return lead.Lead{}, fmt.Errorf("updating lead: %w", err)
		}
	}

	if err := insertScore(ctx, tx, leadID, a.Score); err != nil {
		return lead.Lead{}, err
	}
	if a.Analysis != nil {
		if err := insertAnalysis(ctx, tx, leadID, *a.Analysis); err != nil {
			return lead.Lead{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return lead.Lead{}, fmt.Errorf("committing aggregate: %w", err)
	}
	return s.GetLeadByKey(ctx, a.Key)
}

// nullableJSON maps a marshalled nil slice to an empty JSON array.
func nullableJSON(b []byte) string {
	if string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func nextSeq(ctx context.Context, q querier, table, leadID string) (int, error) {
	var seq int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM `+table+` WHERE lead_id = ?`, leadID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocating %s sequence: %w", table, err)
	}
	return seq, nil
}

func insertScore(ctx context.Context, q querier, leadID string, r lead.ScoreResult) error {
	seq, err := nextSeq(ctx, q, "score_results", leadID)
	if err != nil {
		return err
	}
	fj, err := json.Marshal(r.Features)
	if err != nil {
		return fmt.Errorf("encoding score features: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO score_results (id, lead_id, seq, score, model_version, features_json, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, leadID, seq, r.Score, r.ModelVersion, string(fj), formatTime(r.ScoredAt))
	if err != nil {
		return fmt.Errorf("inserting score: %w", err)
	}
	return nil
}

func insertAnalysis(ctx context.Context, q querier, leadID string, a lead.AnalysisRecord) error {
	seq, err := nextSeq(ctx, q, "analysis_records", leadID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding analysis: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO analysis_records (id, lead_id, seq, model, payload_json, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, leadID, seq, a.Model, string(payload), formatTime(a.AnalyzedAt))
	if err != nil {
		return fmt.Errorf("inserting analysis: %w", err)
	}
	return nil
}

// AppendMessage stores a newly composed outreach message for the lead with
// the given key. Older messages are kept.
func (s *Store) AppendMessage(ctx context.Context, key string, m lead.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	var leadID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM leads WHERE key = ?`, key).Scan(&leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up lead: %w", err)
	}

	seq, err := nextSeq(ctx, tx, "outreach_messages", leadID)
	if err != nil {
		return err
	}
	if m.Status == "" {
		m.Status = lead.MessagePending
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outreach_messages (id, lead_id, seq, score_id, subject, body, composed_at, status, scheduled_for, status_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, leadID, seq, m.ScoreID, m.Subject, m.Body, formatTime(m.ComposedAt),
		string(m.Status), optionalTime(m.ScheduledFor), optionalTime(m.StatusChangedAt)); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE leads SET updated_at = ? WHERE id = ?`, formatTime(m.ComposedAt), leadID); err != nil {
		return fmt.Errorf("touching lead: %w", err)
	}
	return tx.Commit()
}

// SetMessageStatus moves the latest message of the lead with the given key
// to next and returns it. Scheduling needs a send time, which later statuses
// keep. Backward moves fail with a *lead.PreconditionError, as does a lead
// without a message.
func (s *Store) SetMessageStatus(ctx context.Context, key string, next lead.MessageStatus, scheduledFor, at time.Time) (lead.Message, error) {
	if next == lead.MessageScheduled && scheduledFor.IsZero() {
		return lead.Message{}, errors.New("scheduling a message needs a send time")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lead.Message{}, fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	var leadID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM leads WHERE key = ?`, key).Scan(&leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return lead.Message{}, ErrNotFound
	}
	if err != nil {
		return lead.Message{}, fmt.Errorf("looking up lead: %w", err)
	}

	m, err := latestMessage(ctx, tx, leadID)
	if err != nil {
		return lead.Message{}, err
	}
	if m == nil {
		return lead.Message{}, &lead.PreconditionError{LeadKey: key, Reason: "lead has no outreach message; compose one first"}
	}
	if !m.Status.CanMoveTo(next) {
		return lead.Message{}, &lead.PreconditionError{LeadKey: key,
			Reason: fmt.Sprintf("message is %s and cannot move to %s", m.Status, next)}
	}

	if next == lead.MessageScheduled {
		m.ScheduledFor = scheduledFor.UTC()
	}
	m.Status = next
	m.StatusChangedAt = at.UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE outreach_messages SET status = ?, scheduled_for = ?, status_changed_at = ? WHERE id = ?`,
		string(m.Status), optionalTime(m.ScheduledFor), optionalTime(m.StatusChangedAt), m.ID); err != nil {
		return lead.Message{}, fmt.Errorf("updating message status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE leads SET updated_at = ? WHERE id = ?`, formatTime(at), leadID); err != nil {
		return lead.Message{}, fmt.Errorf("touching lead: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return lead.Message{}, fmt.Errorf("committing status: %w", err)
	}
	return *m, nil
}

// OutreachCounts returns how many leads have their latest message in each
// status.
func (s *Store) OutreachCounts(ctx context.Context) (map[lead.MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.status, COUNT(*) FROM outreach_messages m
		WHERE m.seq = (SELECT MAX(seq) FROM outreach_messages WHERE lead_id = m.lead_id)
		GROUP BY m.status`)
	if err != nil {
		return nil, fmt.Errorf("counting outreach: %w", err)
	}
	defer rows.Close()

	counts := make(map[lead.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[lead.MessageStatus(status)] = n
	}
	return counts, rows.Err()
}

// GetLeadByKey loads a lead with its full score and analysis histories and
// its latest message.
func (s *Store) GetLeadByKey(ctx context.Context, key string) (lead.Lead, error) {
	var l lead.Lead
	var techJSON, featuresJSON, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, url, company_name, contact_email, technologies_json, features_json, created_at, updated_at
		FROM leads WHERE key = ?`, key,
	).Scan(&l.ID, &l.Key, &l.URL, &l.CompanyName, &l.ContactEmail, &techJSON, &featuresJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return lead.Lead{}, ErrNotFound
	}
	if err != nil {
		return lead.Lead{}, err
	}
	if err := json.Unmarshal([]byte(featuresJSON), &l.Features); err != nil {
		return lead.Lead{}, fmt.Errorf("decoding features for %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(techJSON), &l.Technologies); err != nil {
		return lead.Lead{}, fmt.Errorf("decoding technologies for %s: %w", key, err)
	}
	if len(l.Technologies) == 0 {
		l.Technologies = nil
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return lead.Lead{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return lead.Lead{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	if l.Scores, err = s.scores(ctx, l.ID); err != nil {
		return lead.Lead{}, err
	}
	if l.Analyses, err = s.analyses(ctx, l.ID); err != nil {
		return lead.Lead{}, err
	}
	if l.Message, err = latestMessage(ctx, s.db, l.ID); err != nil {
		return lead.Lead{}, err
	}
	return l, nil
}

func (s *Store) scores(ctx context.Context, leadID string) ([]lead.ScoreResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, score, model_version, features_json, scored_at
		FROM score_results WHERE lead_id = ? ORDER BY seq ASC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lead.ScoreResult
	for rows.Next() {
		var r lead.ScoreResult
		var fj, scoredAt string
		if err := rows.Scan(&r.ID, &r.Score, &r.ModelVersion, &fj, &scoredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fj), &r.Features); err != nil {
			return nil, fmt.Errorf("decoding score features: %w", err)
		}
		if r.ScoredAt, err = parseTime(scoredAt); err != nil {
			return nil, fmt.Errorf("parsing scored_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) analyses(ctx context.Context, leadID string) ([]lead.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_json FROM analysis_records WHERE lead_id = ? ORDER BY seq ASC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lead.AnalysisRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a lead.AnalysisRecord
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("decoding analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func latestMessage(ctx context.Context, q querier, leadID string) (*lead.Message, error) {
	var m lead.Message
	var status, composedAt, scheduledFor, changedAt string
	err := q.QueryRowContext(ctx, `
		SELECT id, score_id, subject, body, composed_at, status, scheduled_for, status_changed_at
		FROM outreach_messages WHERE lead_id = ? ORDER BY seq DESC LIMIT 1`, leadID,
	).Scan(&m.ID, &m.ScoreID, &m.Subject, &m.Body, &composedAt, &status, &scheduledFor, &changedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Status = lead.MessageStatus(status)
	if m.ComposedAt, err = parseTime(composedAt); err != nil {
		return nil, fmt.Errorf("parsing composed_at: %w", err)
	}
	if m.ScheduledFor, err = parseOptionalTime(scheduledFor); err != nil {
		return nil, fmt.Errorf("parsing scheduled_for: %w", err)
	}
	if m.StatusChangedAt, err = parseOptionalTime(changedAt); err != nil {
		return nil, fmt.Errorf("parsing status_changed_at: %w", err)
	}
	return &m, nil
}

// ListLeads returns fully loaded leads matching opts.
func (s *Store) ListLeads(ctx context.Context, opts ListOptions) ([]lead.Lead, error) {
	limit := opts.Limit
	switch {
	case limit == 0:
		limit = 50
	case limit < 0:
		limit = -1
	}
	order := "l.updated_at DESC"
	if opts.ByScore {
		order = "latest DESC, l.updated_at DESC"
	}

	where := []string{"latest >= ?"}
	args := []any{opts.MinScore}
	if opts.Industry != "" {
		where = append(where, "instr(lower(l.industry), lower(?)) > 0")
		args = append(args, strings.TrimSpace(opts.Industry))
	}
	for _, t := range lead.NormalizeTechnologies(opts.Technologies) {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(l.technologies_json) WHERE json_each.value = ?)")
		args = append(args, t)
	}
	if opts.MessageStatus != "" {
		where = append(where, `COALESCE((
			SELECT m.status FROM outreach_messages m WHERE m.lead_id = l.id ORDER BY m.seq DESC LIMIT 1
		), '') = ?`)
		args = append(args, string(opts.MessageStatus))
	}
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.key, COALESCE((
			SELECT s.score FROM score_results s WHERE s.lead_id = l.id ORDER BY s.seq DESC LIMIT 1
		), 0) AS latest
		FROM leads l
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY `+order+`
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing leads: %w", err)
	}
	// Keys are collected first: the store has a single connection, so the
	// per-lead queries below cannot run while rows is open.
	var keys []string
	for rows.Next() {
		var key string
		var latest float64
		if err := rows.Scan(&key, &latest); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]lead.Lead, 0, len(keys))
	for _, k := range keys {
		l, err := s.GetLeadByKey(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("loading lead %s: %w", k, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// CountLeads returns the number of stored leads.
func (s *Store) CountLeads(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`).Scan(&n)
	return n, err
}

// DeleteLead removes a lead and all of its history.
func (s *Store) DeleteLead(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var leadID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM leads WHERE key = ?`, key).Scan(&leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	for _, table := range []string{"score_results", "analysis_records", "outreach_messages"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE lead_id = ?`, leadID); err != nil {
			return fmt.Errorf("deleting %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM leads WHERE id = ?`, leadID); err != nil {
		return fmt.Errorf("deleting lead: %w", err)
	}
	return tx.Commit()
}
