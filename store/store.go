package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/atelier/embed"
	"github.com/hazyhaar/atelier/ingest"
)

// ErrNotFound reports a lookup for an id the store does not hold.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("store: %q not found", e.ID)
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    project_id  TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
    source_id  TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name       TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_project ON sources(project_id);

CREATE TABLE IF NOT EXISTS documents (
    doc_id     TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    source_id  TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL,
    status     TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    embedding  BLOB,
    dimension  INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
`

// Store is the SQLite document repository. It satisfies ingest.DocumentStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store and applies the schema.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("store: schema: %w", err)
		}
	}
	return &Store{db: db, logger: logger}, nil
}

// Project is the top-level container documents and sources belong to.
type Project struct {
	ID          string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// CreateProject inserts a new project row.
func (s *Store) CreateProject(ctx context.Context, p Project) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	_, err := execBusy(ctx, s.db, `
		INSERT INTO projects (project_id, title, description, created_at)
		VALUES (?, ?, ?, ?)`,
		p.ID, p.Title, p.Description, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create project: %w", err)
	}
	return nil
}

// GetProject loads one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, title, description, created_at
		FROM projects WHERE project_id = ?`, id).
		Scan(&p.ID, &p.Title, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, &ErrNotFound{ID: id}
	}
	if err != nil {
		return Project{}, fmt.Errorf("store: get project: %w", err)
	}
	return p, nil
}

// ListProjects returns every project, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, title, description, created_at
		FROM projects ORDER BY created_at DESC, project_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list projects: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	return out, nil
}

// Source is a named grouping of documents within a project.
type Source struct {
	ID        string `json:"source_id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// CreateSource inserts a new source row.
func (s *Store) CreateSource(ctx context.Context, src Source) error {
	if src.CreatedAt == 0 {
		src.CreatedAt = time.Now().Unix()
	}
	_, err := execBusy(ctx, s.db, `
		INSERT INTO sources (source_id, project_id, name, created_at)
		VALUES (?, ?, ?, ?)`,
		src.ID, src.ProjectID, src.Name, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create source: %w", err)
	}
	return nil
}

// GetSource loads one source by id.
func (s *Store) GetSource(ctx context.Context, id string) (Source, error) {
	var src Source
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, project_id, name, created_at
		FROM sources WHERE source_id = ?`, id).
		Scan(&src.ID, &src.ProjectID, &src.Name, &src.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, &ErrNotFound{ID: id}
	}
	if err != nil {
		return Source{}, fmt.Errorf("store: get source: %w", err)
	}
	return src, nil
}

// CreateDocument inserts a new document row.
func (s *Store) CreateDocument(ctx context.Context, doc ingest.Document) error {
	now := time.Now().Unix()
	_, err := execBusy(ctx, s.db, `
		INSERT INTO documents (doc_id, project_id, source_id, content, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.ProjectID, doc.SourceID, doc.Content, string(doc.Status), doc.Error, now, now)
	if err != nil {
		return fmt.Errorf("store: create document: %w", err)
	}
	return nil
}

// UpdateDocumentStatus sets the status column (and error message for
// failures) of an existing document.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status ingest.Status, errMsg string) error {
	res, err := execBusy(ctx, s.db, `
		UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE doc_id = ?`,
		string(status), errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{ID: id}
	}
	return nil
}

// SetDocumentEmbedding stores the vector for a document.
func (s *Store) SetDocumentEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := execBusy(ctx, s.db, `
		UPDATE documents SET embedding = ?, dimension = ?, updated_at = ? WHERE doc_id = ?`,
		embed.SerializeVector(vec), len(vec), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{ID: id}
	}
	return nil
}

// GetDocument loads one document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (ingest.Document, error) {
	var doc ingest.Document
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, project_id, source_id, content, status, error
		FROM documents WHERE doc_id = ?`, id).
		Scan(&doc.ID, &doc.ProjectID, &doc.SourceID, &doc.Content, &status, &doc.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Document{}, &ErrNotFound{ID: id}
	}
	if err != nil {
		return ingest.Document{}, fmt.Errorf("store: get document: %w", err)
	}
	doc.Status = ingest.Status(status)
	return doc, nil
}

// ListCompletedDocuments returns every completed document with its text.
func (s *Store) ListCompletedDocuments(ctx context.Context) ([]ingest.Document, error) {
	return s.listDocuments(ctx, `
		SELECT doc_id, project_id, source_id, content, status, error
		FROM documents WHERE status = ?`, string(ingest.StatusCompleted))
}

// ListByProject returns every document of a project, newest first.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]ingest.Document, error) {
	return s.listDocuments(ctx, `
		SELECT doc_id, project_id, source_id, content, status, error
		FROM documents WHERE project_id = ? ORDER BY created_at DESC`, projectID)
}

func (s *Store) listDocuments(ctx context.Context, query string, args ...any) ([]ingest.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()

	var out []ingest.Document
	for rows.Next() {
		var doc ingest.Document
		var status string
		if err := rows.Scan(&doc.ID, &doc.ProjectID, &doc.SourceID, &doc.Content, &status, &doc.Error); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		doc.Status = ingest.Status(status)
		out = append(out, doc)
	}
	return out, rows.Err()
}

// SearchResult is one scored document of a similarity search.
type SearchResult struct {
	DocID   string  `json:"doc_id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

const snippetRunes = 160

// Search ranks a project's completed documents by cosine similarity to
// the query vector and returns the top limit results. Ranking runs in
// process over the loaded vectors; at this corpus size a scan beats
// maintaining an index.
func (s *Store) Search(ctx context.Context, projectID string, vec []float32, limit int) ([]SearchResult, error) {
	if limit < 1 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, content, embedding
		FROM documents
		WHERE project_id = ? AND status = ? AND embedding IS NOT NULL`,
		projectID, string(ingest.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var docID, content string
		var blob []byte
		if err := rows.Scan(&docID, &content, &blob); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		stored := embed.DeserializeVector(blob)
		if len(stored) != len(vec) {
			s.logger.Warn("skipping document with mismatched vector",
				"doc_id", docID, "dimension", len(stored))
			continue
		}
		results = append(results, SearchResult{
			DocID:   docID,
			Score:   embed.CosineSimilarity(vec, stored),
			Snippet: snippet(content),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// snippet truncates content to the leading runes for display in results.
func snippet(content string) string {
	if utf8.RuneCountInString(content) <= snippetRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:snippetRunes]) + "…"
}
