// Entry point for the atelier document service: chi router, SQLite store,
// background ingestion pool, websocket rooms, optional MCP over stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/atelier/config"
	"github.com/hazyhaar/atelier/dispatch"
	"github.com/hazyhaar/atelier/embed"
	"github.com/hazyhaar/atelier/httpapi"
	"github.com/hazyhaar/atelier/idgen"
	"github.com/hazyhaar/atelier/ingest"
	"github.com/hazyhaar/atelier/realtime"
	"github.com/hazyhaar/atelier/store"
	"github.com/hazyhaar/atelier/upload"
)

func main() {
	cfg, err := config.Load(env("CONFIG_PATH", ""))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", cfg.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Storage.
	db, err := store.Open(cfg.DBPath, store.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	st, err := store.New(db, logger)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}

	// Embedding with retry.
	embedder := embed.NewResilient(embed.NewHashEmbedder(), embed.DefaultPolicy)

	// Realtime rooms.
	registry := realtime.NewRegistry(logger)
	broadcaster := realtime.NewBroadcaster(registry)

	// Ingestion pool.
	pipeline, err := ingest.New(ingest.Config{
		Store:     st,
		Embedder:  embedder,
		Publisher: broadcaster,
		Workers:   cfg.Workers,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("ingestion pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	// RPC methods, shared by the HTTP envelope and the MCP tools.
	dispatcher := dispatch.New(dispatch.Config{Logger: logger})
	registerMethods(dispatcher, st, embedder, pipeline, broadcaster)

	// Optional MCP over stdio.
	if env("MCP_TRANSPORT", cfg.MCP.Transport) == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "atelier",
			Version: "1.0.0",
		}, nil)
		dispatch.RegisterMCP(mcpSrv, dispatcher, toolSpecs())
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	// HTTP surface.
	api, err := httpapi.New(httpapi.Config{
		Validator:   upload.New(upload.Config{MaxBytes: cfg.MaxUploadBytes(), Logger: logger}),
		Pipeline:    pipeline,
		Embedder:    embedder,
		Store:       st,
		Broadcaster: broadcaster,
		WS:          realtime.NewWSHandler(registry, logger),
		Dispatcher:  dispatcher,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("http api", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// registerMethods binds the RPC method table.
func registerMethods(d *dispatch.Dispatcher, st *store.Store, embedder embed.Embedder, pipeline *ingest.Pipeline, bc *realtime.Broadcaster) {
	d.Register("search", func(ctx context.Context, params map[string]any) (any, error) {
		projectID, _ := params["project_id"].(string)
		query, _ := params["query"].(string)
		if projectID == "" || query == "" {
			return nil, errors.New("project_id and query are required")
		}
		limit := 10
		if f, ok := params["limit"].(float64); ok {
			limit = int(f)
		}
		vec, err := embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		results, err := st.Search(ctx, projectID, vec, limit)
		if err != nil {
			return nil, err
		}
		if err := bc.PublishSearchCompleted(projectID, query, results); err != nil {
			slog.Warn("search broadcast", "project_id", projectID, "error", err)
		}
		return results, nil
	})

	d.Register("document_status", func(_ context.Context, params map[string]any) (any, error) {
		id, _ := params["document_id"].(string)
		snap, ok := pipeline.Status(id)
		if !ok {
			return nil, fmt.Errorf("document %q not found", id)
		}
		out := map[string]string{"status": string(snap.Status)}
		if snap.Error != "" {
			out["error"] = snap.Error
		}
		return out, nil
	})

	d.Register("get_document", func(ctx context.Context, params map[string]any) (any, error) {
		id, _ := params["document_id"].(string)
		return st.GetDocument(ctx, id)
	})

	d.Register("list_documents", func(ctx context.Context, params map[string]any) (any, error) {
		projectID, _ := params["project_id"].(string)
		if projectID == "" {
			return nil, errors.New("project_id is required")
		}
		docs, err := st.ListByProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		// Content stays server-side; clients get statuses and ids.
		out := make([]map[string]string, 0, len(docs))
		for _, doc := range docs {
			entry := map[string]string{
				"document_id": doc.ID,
				"status":      string(doc.Status),
			}
			if doc.SourceID != "" {
				entry["source_id"] = doc.SourceID
			}
			if doc.Error != "" {
				entry["error"] = doc.Error
			}
			out = append(out, entry)
		}
		return out, nil
	})

	d.Register("create_project", func(ctx context.Context, params map[string]any) (any, error) {
		title, _ := params["title"].(string)
		if title == "" {
			return nil, errors.New("title is required")
		}
		description, _ := params["description"].(string)
		p := store.Project{
			ID:          idgen.Prefixed("proj_", idgen.Default)(),
			Title:       title,
			Description: description,
		}
		if err := st.CreateProject(ctx, p); err != nil {
			return nil, err
		}
		return st.GetProject(ctx, p.ID)
	})

	d.Register("get_project", func(ctx context.Context, params map[string]any) (any, error) {
		id, _ := params["project_id"].(string)
		if id == "" {
			return nil, errors.New("project_id is required")
		}
		return st.GetProject(ctx, id)
	})

	d.Register("list_projects", func(ctx context.Context, _ map[string]any) (any, error) {
		projects, err := st.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		if projects == nil {
			projects = []store.Project{}
		}
		return projects, nil
	})

	d.Register("create_source", func(ctx context.Context, params map[string]any) (any, error) {
		projectID, _ := params["project_id"].(string)
		name, _ := params["name"].(string)
		if projectID == "" || name == "" {
			return nil, errors.New("project_id and name are required")
		}
		src := store.Source{
			ID:        idgen.Prefixed("src_", idgen.Default)(),
			ProjectID: projectID,
			Name:      name,
		}
		if err := st.CreateSource(ctx, src); err != nil {
			return nil, err
		}
		return st.GetSource(ctx, src.ID)
	})

	d.Register("reembed", func(ctx context.Context, params map[string]any) (any, error) {
		concurrency := 0
		if f, ok := params["concurrency"].(float64); ok {
			concurrency = int(f)
		}
		if err := pipeline.Reembed(ctx, concurrency); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	})
}

// toolSpecs describes the MCP projection of the method table.
func toolSpecs() []dispatch.ToolSpec {
	return []dispatch.ToolSpec{
		{
			Method:      "search",
			Description: "Rank a project's documents by similarity to a query",
			Properties: map[string]any{
				"project_id": map[string]any{"type": "string", "description": "Project ID"},
				"query":      map[string]any{"type": "string", "description": "Search query"},
				"limit":      map[string]any{"type": "integer", "description": "Max results (default 10)"},
			},
			Required: []string{"project_id", "query"},
		},
		{
			Method:      "document_status",
			Description: "Read the ingestion status of a document",
			Properties: map[string]any{
				"document_id": map[string]any{"type": "string", "description": "Document ID"},
			},
			Required: []string{"document_id"},
		},
		{
			Method:      "get_document",
			Description: "Load a document record by id",
			Properties: map[string]any{
				"document_id": map[string]any{"type": "string", "description": "Document ID"},
			},
			Required: []string{"document_id"},
		},
		{
			Method:      "list_documents",
			Description: "List a project's documents with their ingestion statuses",
			Properties: map[string]any{
				"project_id": map[string]any{"type": "string", "description": "Project ID"},
			},
			Required: []string{"project_id"},
		},
		{
			Method:      "create_project",
			Description: "Create a project",
			Properties: map[string]any{
				"title":       map[string]any{"type": "string", "description": "Project title"},
				"description": map[string]any{"type": "string", "description": "Optional description"},
			},
			Required: []string{"title"},
		},
		{
			Method:      "get_project",
			Description: "Load a project by id",
			Properties: map[string]any{
				"project_id": map[string]any{"type": "string", "description": "Project ID"},
			},
			Required: []string{"project_id"},
		},
		{
			Method:      "list_projects",
			Description: "List every project, newest first",
			Properties:  map[string]any{},
		},
		{
			Method:      "create_source",
			Description: "Create a named document source in a project",
			Properties: map[string]any{
				"project_id": map[string]any{"type": "string", "description": "Project ID"},
				"name":       map[string]any{"type": "string", "description": "Source name"},
			},
			Required: []string{"project_id", "name"},
		},
		{
			Method:      "reembed",
			Description: "Recompute embeddings for every completed document",
			Properties: map[string]any{
				"concurrency": map[string]any{"type": "integer", "description": "Parallel workers (default pool size)"},
			},
		},
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
