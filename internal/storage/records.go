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

	"github.com/kalambet/supportkb/internal/kb"
)

// timeLayout is fixed-width so text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = `id, title, description, product, installation, type, severity, status,
	resolution, suggested_resolutions, created_by, created_at, updated_at, indexed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (kb.Record, error) {
	var (
		r                    kb.Record
		suggestions          string
		createdAt, updatedAt string
		indexedAt            sql.NullString
	)
	err := row.Scan(&r.ID, &r.Title, &r.Description, &r.Product, &r.Installation, &r.Type,
		&r.Severity, &r.Status, &r.Resolution, &suggestions, &r.CreatedBy,
		&createdAt, &updatedAt, &indexedAt)
	if err != nil {
		return kb.Record{}, err
	}
	if suggestions != "" {
		if err := json.Unmarshal([]byte(suggestions), &r.SuggestedResolutions); err != nil {
			return kb.Record{}, fmt.Errorf("decoding suggested resolutions for %s: %w", r.ID, err)
		}
	}
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return kb.Record{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return kb.Record{}, fmt.Errorf("parsing updated_at for %s: %w", r.ID, err)
	}
	if indexedAt.Valid && indexedAt.String != "" {
		if r.IndexedAt, err = time.Parse(timeLayout, indexedAt.String); err != nil {
			return kb.Record{}, fmt.Errorf("parsing indexed_at for %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]kb.Record, error) {
	defer rows.Close()
	var out []kb.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRecord persists a new record and returns it with its assigned id.
func (s *Store) CreateRecord(ctx context.Context, in kb.NewRecord) (kb.Record, error) {
	in = in.Normalize()
	if in.Title == "" {
		return kb.Record{}, &kb.InvalidInputError{Field: "title", Reason: "title is required"}
	}

	now := time.Now().UTC()
	r := kb.Record{
		ID:           uuid.New().String(),
		Title:        in.Title,
		Description:  in.Description,
		Product:      in.Product,
		Installation: in.Installation,
		Type:         in.Type,
		Severity:     in.Severity,
		Status:       in.Status,
		Resolution:   in.Resolution,
		CreatedBy:    in.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, title, description, product, installation, type, severity, status,
			resolution, suggested_resolutions, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?)`,
		r.ID, r.Title, r.Description, r.Product, r.Installation, r.Type, r.Severity, r.Status,
		r.Resolution, r.CreatedBy, now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return kb.Record{}, fmt.Errorf("inserting record: %w", err)
	}
	return r, nil
}

// GetRecord returns the record with the given id or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (kb.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return kb.Record{}, ErrNotFound
	}
	return r, err
}

// FindByIDs returns every record whose id is in ids. Unknown ids are skipped;
// the result order is unspecified.
func (s *Store) FindByIDs(ctx context.Context, ids []string) ([]kb.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records by id: %w", err)
	}
	return collectRecords(rows)
}

// ListRecords returns records newest first.
func (s *Store) ListRecords(ctx context.Context, limit, offset int) ([]kb.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return collectRecords(rows)
}

// FindAll returns every record, oldest first.
func (s *Store) FindAll(ctx context.Context) ([]kb.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing all records: %w", err)
	}
	return collectRecords(rows)
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// UpdateResolution replaces a record's resolution. The record is marked as
// not indexed until its new vector is upserted.
func (s *Store) UpdateResolution(ctx context.Context, id, resolution string) (kb.Record, error) {
	resolution = strings.TrimSpace(resolution)
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET resolution = ?, updated_at = ?, indexed_at = NULL WHERE id = ?`,
		resolution, now, id)
	if err != nil {
		return kb.Record{}, fmt.Errorf("updating resolution: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return kb.Record{}, err
	} else if n == 0 {
		return kb.Record{}, ErrNotFound
	}
	return s.GetRecord(ctx, id)
}

// AddSuggestedResolution appends a suggestion to a record. Suggestions are
// not embedded, so the index state is left alone.
func (s *Store) AddSuggestedResolution(ctx context.Context, id, suggestion string) (kb.Record, error) {
	suggestion = strings.TrimSpace(suggestion)
	if suggestion == "" {
		return kb.Record{}, &kb.InvalidInputError{Field: "suggestion", Reason: "suggestion is required"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kb.Record{}, fmt.Errorf("beginning suggestion transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT suggested_resolutions FROM records WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return kb.Record{}, ErrNotFound
	}
	if err != nil {
		return kb.Record{}, err
	}

	var list []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return kb.Record{}, fmt.Errorf("decoding suggested resolutions: %w", err)
		}
	}
	list = append(list, suggestion)
	encoded, err := json.Marshal(list)
	if err != nil {
		return kb.Record{}, err
	}

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET suggested_resolutions = ?, updated_at = ? WHERE id = ?`,
		string(encoded), now, id); err != nil {
		return kb.Record{}, fmt.Errorf("saving suggestion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return kb.Record{}, fmt.Errorf("committing suggestion: %w", err)
	}
	return s.GetRecord(ctx, id)
}

// MarkIndexed records that the record's vector was upserted at the given time.
func (s *Store) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE records SET indexed_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("marking record indexed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnindexed returns records with a resolution whose vector is missing or stale.
func (s *Store) ListUnindexed(ctx context.Context, limit int) ([]kb.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records
		WHERE indexed_at IS NULL AND resolution != ''
		ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unindexed records: %w", err)
	}
	return collectRecords(rows)
}

// --- Comments ---

// AddComment attaches a comment to an existing record.
func (s *Store) AddComment(ctx context.Context, recordID, author, text string) (kb.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return kb.Comment{}, &kb.InvalidInputError{Field: "text", Reason: "comment text is required"}
	}
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return kb.Comment{}, err
	}

	c := kb.Comment{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		Author:    strings.TrimSpace(author),
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, record_id, author, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.RecordID, c.Author, c.Text, c.CreatedAt.Format(timeLayout))
	if err != nil {
		return kb.Comment{}, fmt.Errorf("inserting comment: %w", err)
	}
	return c, nil
}

// ListComments returns a record's comments oldest first.
func (s *Store) ListComments(ctx context.Context, recordID string) ([]kb.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, author, text, created_at FROM comments WHERE record_id = ? ORDER BY created_at ASC`,
		recordID)
	if err != nil {
		return nil, fmt.Errorf("listing comments: %w", err)
	}
	defer rows.Close()

	var out []kb.Comment
	for rows.Next() {
		var c kb.Comment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Author, &c.Text, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing comment created_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
