package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to Postgres via the pgx stdlib driver.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore is a Postgres-backed implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables the store needs if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS pages (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	tags       JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS blocks (
	id          TEXT PRIMARY KEY,
	page_id     TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	type        TEXT NOT NULL,
	content     JSONB NOT NULL,
	block_order DOUBLE PRECISION NOT NULL,
	parent_id   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocks_page ON blocks(page_id);
CREATE TABLE IF NOT EXISTS comments (
	id          TEXT PRIMARY KEY,
	page_id     TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	block_id    TEXT NOT NULL DEFAULT '',
	parent_id   TEXT NOT NULL DEFAULT '',
	author_id   TEXT NOT NULL,
	content     TEXT NOT NULL,
	mentions    JSONB NOT NULL DEFAULT '[]',
	is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_by TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_page ON comments(page_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePage(ctx context.Context, page Page) (*Page, error) {
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	now := time.Now()
	page.CreatedAt = now
	page.UpdatedAt = now
	tags, err := json.Marshal(page.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	if page.Tags == nil {
		tags = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pages (id, title, content, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, page.ID, page.Title, page.Content, tags, page.CreatedAt, page.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert page: %w", err)
	}
	return &page, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (*Page, error) {
	var (
		page Page
		tags []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, tags, created_at, updated_at FROM pages WHERE id = $1
	`, pageID).Scan(&page.ID, &page.Title, &page.Content, &tags, &page.CreatedAt, &page.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select page: %w", err)
	}
	if err := json.Unmarshal(tags, &page.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &page, nil
}

func (s *PostgresStore) UpdatePage(ctx context.Context, pageID string, patch PagePatch) (*Page, error) {
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		page.Title = *patch.Title
	}
	if patch.Content != nil {
		page.Content = *patch.Content
	}
	if patch.Tags != nil {
		page.Tags = patch.Tags
	}
	page.UpdatedAt = time.Now()
	tags, err := json.Marshal(page.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	if page.Tags == nil {
		tags = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE pages SET title = $2, content = $3, tags = $4, updated_at = $5 WHERE id = $1
	`, pageID, page.Title, page.Content, tags, page.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update page: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) GetBlocks(ctx context.Context, pageID string) ([]Block, error) {
	if _, err := s.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, type, content, block_order, parent_id, created_at, updated_at
		FROM blocks WHERE page_id = $1
		ORDER BY block_order, id
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("select blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*Block, error) {
	var (
		b       Block
		typ     string
		content []byte
	)
	err := row.Scan(&b.ID, &b.PageID, &typ, &content, &b.Order, &b.ParentID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan block: %w", err)
	}
	b.Type = BlockType(typ)
	b.Content, err = DecodeContent(b.Type, content)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateBlock(ctx context.Context, pageID string, data Block) (*Block, error) {
	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	if data.Content == nil {
		data.Content = DefaultContent(data.Type)
	}
	now := time.Now()
	data.PageID = pageID
	data.CreatedAt = now
	data.UpdatedAt = now

	content, err := json.Marshal(data.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blocks (id, page_id, type, content, block_order, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, data.ID, pageID, string(data.Type), content, data.Order, data.ParentID, data.CreatedAt, data.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert block: %w", err)
	}
	return &data, nil
}

func (s *PostgresStore) getBlock(ctx context.Context, blockID string) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, page_id, type, content, block_order, parent_id, created_at, updated_at
		FROM blocks WHERE id = $1
	`, blockID)
	b, err := scanBlock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("block %q: %w", blockID, ErrNotFound)
		}
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) UpdateBlock(ctx context.Context, blockID string, patch BlockPatch) (*Block, error) {
	b, err := s.getBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	if patch.Content != nil {
		b.Content = patch.Content
	}
	if patch.Type != nil {
		b.Type = *patch.Type
	}
	if patch.Order != nil {
		b.Order = *patch.Order
	}
	b.UpdatedAt = time.Now()

	content, err := json.Marshal(b.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE blocks SET type = $2, content = $3, block_order = $4, updated_at = $5 WHERE id = $1
	`, blockID, string(b.Type), content, b.Order, b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update block: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, blockID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id = $1`, blockID)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %q: %w", blockID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ReorderBlocks(ctx context.Context, pageID string, blocks []Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, b := range blocks {
		res, err := tx.ExecContext(ctx, `
			UPDATE blocks SET block_order = $2, updated_at = $3 WHERE id = $1 AND page_id = $4
		`, b.ID, b.Order, now, pageID)
		if err != nil {
			return fmt.Errorf("reorder block %q: %w", b.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("block %q: %w", b.ID, ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComments(ctx context.Context, pageID string) ([]Comment, error) {
	if _, err := s.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, block_id, parent_id, author_id, content, mentions, is_resolved, resolved_by, created_at, updated_at
		FROM comments WHERE page_id = $1
		ORDER BY created_at, id
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("select comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

func scanComment(row rowScanner) (*Comment, error) {
	var (
		c        Comment
		mentions []byte
	)
	err := row.Scan(&c.ID, &c.PageID, &c.BlockID, &c.ParentID, &c.AuthorID, &c.Content,
		&mentions, &c.IsResolved, &c.ResolvedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan comment: %w", err)
	}
	var names []string
	if err := json.Unmarshal(mentions, &names); err != nil {
		return nil, fmt.Errorf("decode mentions: %w", err)
	}
	c.Mentions = mapset.NewSet(names...)
	return &c, nil
}

func (s *PostgresStore) CreateComment(ctx context.Context, comment Comment) (*Comment, error) {
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.Mentions == nil {
		comment.Mentions = mapset.NewSet[string]()
	}
	now := time.Now()
	comment.CreatedAt = now
	comment.UpdatedAt = now

	names := comment.Mentions.ToSlice()
	sort.Strings(names)
	mentions, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("marshal mentions: %w", err)
	}
	if names == nil {
		mentions = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comments (id, page_id, block_id, parent_id, author_id, content, mentions, is_resolved, resolved_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, comment.ID, comment.PageID, comment.BlockID, comment.ParentID, comment.AuthorID,
		comment.Content, mentions, comment.IsResolved, comment.ResolvedBy, comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}
	return &comment, nil
}

func (s *PostgresStore) getComment(ctx context.Context, commentID string) (*Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, page_id, block_id, parent_id, author_id, content, mentions, is_resolved, resolved_by, created_at, updated_at
		FROM comments WHERE id = $1
	`, commentID)
	c, err := scanComment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID, content string) (*Comment, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE comments SET content = $2, updated_at = $3 WHERE id = $1
	`, commentID, content, time.Now())
	if err != nil {
		return nil, fmt.Errorf("update comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	return s.getComment(ctx, commentID)
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	// Replies go with the root comment.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE parent_id = $1`, commentID); err != nil {
		return fmt.Errorf("delete replies: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ResolveComment(ctx context.Context, commentID, resolvedBy string) (*Comment, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE comments SET is_resolved = TRUE, resolved_by = $2, updated_at = $3 WHERE id = $1
	`, commentID, resolvedBy, time.Now())
	if err != nil {
		return nil, fmt.Errorf("resolve comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("comment %q: %w", commentID, ErrNotFound)
	}
	return s.getComment(ctx, commentID)
}
