package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/atelier/embed"
	"github.com/hazyhaar/atelier/idgen"
	"github.com/hazyhaar/atelier/resilient"
)

// Document is the persistent record the pipeline creates and advances.
// SourceID is optional: it groups documents under a named source within
// the project.
type Document struct {
	ID        string
	ProjectID string
	SourceID  string
	Content   string
	Status    Status
	Error     string
}

// DocumentStore is the persistence boundary of the pipeline. The SQLite
// implementation lives in the store package; tests substitute fakes.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) error
	UpdateDocumentStatus(ctx context.Context, id string, status Status, errMsg string) error
	SetDocumentEmbedding(ctx context.Context, id string, vec []float32) error
	ListCompletedDocuments(ctx context.Context) ([]Document, error)
}

// ProgressPublisher fans status transitions out to project rooms. Delivery
// is best-effort: a non-nil return is logged by the pipeline and otherwise
// ignored — it never changes a document's fate.
type ProgressPublisher interface {
	PublishUploadProgress(projectID, docID, status, errMsg string) error
}

// Config configures a Pipeline.
type Config struct {
	Store     DocumentStore
	Embedder  embed.Embedder
	Publisher ProgressPublisher

	// Workers is the background task pool size. Default: NumCPU, min 1.
	Workers int

	// StorePolicy bounds persistence calls made from the background task.
	// Default: 3 attempts, 10 s per attempt, 100 ms exponential backoff.
	StorePolicy resilient.Policy

	// NewID generates document ids. Default: "doc_" + UUIDv7.
	NewID idgen.Generator

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Workers < 1 {
		c.Workers = runtime.NumCPU()
		if c.Workers < 1 {
			c.Workers = 1
		}
	}
	if c.StorePolicy.MaxAttempts == 0 {
		c.StorePolicy = resilient.Policy{
			MaxAttempts:    3,
			AttemptTimeout: 10 * time.Second,
			BaseBackoff:    100 * time.Millisecond,
		}
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("doc_", idgen.Default)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline schedules one background ingestion task per accepted upload.
// Enqueue returns as soon as the document record exists; the task advances
// the tracker through processing to a terminal state and publishes a
// progress event after every transition.
type Pipeline struct {
	cfg     Config
	tracker *Tracker
	pool    *ants.Pool
	logger  *slog.Logger

	// baseCtx outlives the originating request; Close cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a Pipeline. Call Close to drain the worker pool.
func New(cfg Config) (*Pipeline, error) {
	cfg.defaults()
	if cfg.Store == nil {
		return nil, fmt.Errorf("ingest: Store is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("ingest: Embedder is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("ingest: Publisher is required")
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("ingest: worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:     cfg,
		tracker: NewTracker(),
		pool:    pool,
		logger:  cfg.Logger,
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Close stops accepting work and releases the pool. In-flight tasks keep
// their already-claimed worker until they finish.
func (p *Pipeline) Close() {
	p.cancel()
	p.pool.Release()
}

// Status returns the tracked state of a document id.
func (p *Pipeline) Status(id string) (Snapshot, bool) {
	return p.tracker.Query(id)
}

// Enqueue accepts validated upload text for a project: it creates the
// document record in state queued, publishes the queued event, schedules
// the background task, and returns the new document id without waiting for
// ingestion. sourceID may be empty. A persistence failure leaves no
// tracked document behind; a scheduling failure marks the document failed.
func (p *Pipeline) Enqueue(ctx context.Context, projectID, sourceID, text string) (string, error) {
	docID := p.cfg.NewID()

	// Fresh UUIDv7 per upload makes duplicate scheduling structurally
	// impossible; a collision here is a programming error.
	if err := p.tracker.Initialize(docID); err != nil {
		return "", err
	}

	err := resilient.Do(ctx, p.cfg.StorePolicy, "create document", func(ctx context.Context) error {
		return p.cfg.Store.CreateDocument(ctx, Document{
			ID:        docID,
			ProjectID: projectID,
			SourceID:  sourceID,
			Content:   text,
			Status:    StatusQueued,
		})
	})
	if err != nil {
		p.tracker.Forget(docID)
		return "", fmt.Errorf("ingest: create document: %w", err)
	}

	p.publish(projectID, docID, StatusQueued, "")

	if err := p.pool.Submit(func() { p.process(projectID, docID, text) }); err != nil {
		// The record exists but no task will run it. failed is only legal
		// from processing, so walk the document through processing first;
		// pollers must not be left watching queued forever.
		if aerr := p.advance(ctx, projectID, docID, StatusProcessing, ""); aerr != nil {
			p.logger.Error("ingestion: advance to processing", "doc_id", docID, "error", aerr)
			return docID, nil
		}
		p.fail(projectID, docID, fmt.Errorf("schedule ingestion: %w", err))
		return docID, nil
	}

	p.logger.Debug("ingestion scheduled", "doc_id", docID, "project_id", projectID)
	return docID, nil
}

// process is the background task. It owns docID's tracker entry: no other
// goroutine transitions it.
func (p *Pipeline) process(projectID, docID, text string) {
	ctx := p.baseCtx

	if err := p.advance(ctx, projectID, docID, StatusProcessing, ""); err != nil {
		p.logger.Error("ingestion: advance to processing", "doc_id", docID, "error", err)
		return
	}

	vec, err := p.cfg.Embedder.Embed(ctx, text)
	if err != nil {
		p.fail(projectID, docID, err)
		return
	}

	err = resilient.Do(ctx, p.cfg.StorePolicy, "store embedding", func(ctx context.Context) error {
		return p.cfg.Store.SetDocumentEmbedding(ctx, docID, vec)
	})
	if err != nil {
		p.fail(projectID, docID, err)
		return
	}

	if err := p.advance(ctx, projectID, docID, StatusCompleted, ""); err != nil {
		p.logger.Error("ingestion: advance to completed", "doc_id", docID, "error", err)
		return
	}

	p.logger.Info("ingestion completed", "doc_id", docID, "project_id", projectID, "dimension", len(vec))
}

// advance moves the tracker, mirrors the status to the store, and
// publishes the transition. The tracker is the source of truth for
// pollers; the store copy converges eventually (a store failure logs and
// keeps going rather than diverging the state machine).
func (p *Pipeline) advance(ctx context.Context, projectID, docID string, next Status, errMsg string) error {
	if err := p.tracker.Advance(docID, next, errMsg); err != nil {
		return err
	}
	err := resilient.Do(ctx, p.cfg.StorePolicy, "update status", func(ctx context.Context) error {
		return p.cfg.Store.UpdateDocumentStatus(ctx, docID, next, errMsg)
	})
	if err != nil {
		p.logger.Warn("ingestion: status not persisted", "doc_id", docID, "status", next, "error", err)
	}
	p.publish(projectID, docID, next, errMsg)
	return nil
}

func (p *Pipeline) fail(projectID, docID string, cause error) {
	p.logger.Error("ingestion failed", "doc_id", docID, "project_id", projectID, "error", cause)
	if err := p.advance(p.baseCtx, projectID, docID, StatusFailed, cause.Error()); err != nil {
		p.logger.Error("ingestion: advance to failed", "doc_id", docID, "error", err)
	}
}

// publish emits one progress event. Delivery failure is logged and
// absorbed here — the broadcaster boundary must never abort ingestion.
func (p *Pipeline) publish(projectID, docID string, status Status, errMsg string) {
	if err := p.cfg.Publisher.PublishUploadProgress(projectID, docID, string(status), errMsg); err != nil {
		p.logger.Warn("progress broadcast failed", "doc_id", docID, "status", status, "error", err)
	}
}

// Reembed recomputes embeddings for every completed document with bounded
// concurrency. Used after swapping the embedding backend; documents whose
// text no longer embeds keep their old vector and are reported in the
// returned error.
func (p *Pipeline) Reembed(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = p.cfg.Workers
	}

	docs, err := p.cfg.Store.ListCompletedDocuments(ctx)
	if err != nil {
		return fmt.Errorf("ingest: list completed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, doc := range docs {
		g.Go(func() error {
			vec, err := p.cfg.Embedder.Embed(gctx, doc.Content)
			if err != nil {
				return fmt.Errorf("reembed %s: %w", doc.ID, err)
			}
			return resilient.Do(gctx, p.cfg.StorePolicy, "store embedding", func(ctx context.Context) error {
				return p.cfg.Store.SetDocumentEmbedding(ctx, doc.ID, vec)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Info("reembed finished", "documents", len(docs))
	return nil
}
