package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"autopub/internal/domain"
)

// CreateContent inserts c unless a content with the same title exists, in
// which case the existing id is returned with created=false.
func (s *sqlStore) CreateContent(ctx context.Context, c domain.Content) (int64, bool, error) {
	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		return 0, false, errors.New("content title is required")
	}
	if c.Type == "" {
		c.Type = domain.ContentImage
	}
	if c.Status == "" {
		c.Status = domain.ContentDraft
	}
	now := ms(s.now())

	var id int64
	err := s.db.GetContext(ctx, &id, s.q(
		`INSERT INTO contents(title, body, type, media_paths, cover_path, tags, location, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(title) DO NOTHING
		 RETURNING id`),
		c.Title, c.Body, string(c.Type), encodeList(c.MediaPaths), nullStr(c.CoverPath),
		encodeList(c.Tags), nullStr(c.Location), string(c.Status), now, now,
	)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert content: %w", err)
	}
	if err := s.db.GetContext(ctx, &id, s.q(`SELECT id FROM contents WHERE title = ?`), c.Title); err != nil {
		return 0, false, fmt.Errorf("lookup content by title: %w", err)
	}
	return id, false, nil
}

func (s *sqlStore) GetContent(ctx context.Context, id int64) (domain.Content, error) {
	var row contentRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+contentCols+` FROM contents WHERE id = ?`), id)
	if err != nil {
		return domain.Content{}, notFound(err, "content", id)
	}
	return row.toDomain(), nil
}

func (s *sqlStore) UpdateContentStatus(ctx context.Context, id int64, status domain.ContentStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE contents SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), ms(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("content %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
