// Package httpapi is the HTTP surface of the service: document upload and
// status, similarity search, the RPC envelope, and the websocket endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/atelier/dispatch"
	"github.com/hazyhaar/atelier/embed"
	"github.com/hazyhaar/atelier/ingest"
	"github.com/hazyhaar/atelier/realtime"
	"github.com/hazyhaar/atelier/store"
	"github.com/hazyhaar/atelier/upload"
)

// Config wires the API to the rest of the service.
type Config struct {
	Validator   *upload.Validator
	Pipeline    *ingest.Pipeline
	Embedder    embed.Embedder
	Store       *store.Store
	Broadcaster *realtime.Broadcaster
	WS          http.Handler
	Dispatcher  *dispatch.Dispatcher
	Logger      *slog.Logger
}

// API serves the routes. Build it with New and mount Router.
type API struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*API, error) {
	switch {
	case cfg.Validator == nil:
		return nil, fmt.Errorf("httpapi: Validator is required")
	case cfg.Pipeline == nil:
		return nil, fmt.Errorf("httpapi: Pipeline is required")
	case cfg.Embedder == nil:
		return nil, fmt.Errorf("httpapi: Embedder is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("httpapi: Store is required")
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("httpapi: Dispatcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{cfg: cfg, logger: cfg.Logger}, nil
}

// Router builds the chi router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/documents/upload", a.handleUpload)
	r.Get("/documents/status/{id}", a.handleStatus)
	r.Post("/search", a.handleSearch)
	r.Post("/rpc", a.handleRPC)

	if a.cfg.WS != nil {
		r.Get("/ws", a.cfg.WS.ServeHTTP)
	}
	return r
}

// handleUpload accepts a multipart form with a project_id field and a
// file part. Valid content is accepted with 202 and a document id; the
// body is then ingested in the background.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(a.cfg.Validator.MaxBytes() + 1024); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	projectID := r.FormValue("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, errors.New("project_id is required"))
		return
	}
	sourceID := r.FormValue("source_id")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file part: %w", err))
		return
	}
	defer file.Close()

	// Reject on the declared size before reading the body.
	if err := a.cfg.Validator.CheckSize(header.Size); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	content, err := io.ReadAll(io.LimitReader(file, a.cfg.Validator.MaxBytes()+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read file: %w", err))
		return
	}

	text, err := a.cfg.Validator.Validate(r.Context(), content, header.Header.Get("Content-Type"), header.Size)
	if err != nil {
		var (
			unsupported *upload.ErrUnsupportedType
			tooLarge    *upload.ErrTooLarge
			malformed   *upload.ErrMalformed
		)
		if errors.As(err, &unsupported) || errors.As(err, &tooLarge) || errors.As(err, &malformed) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	docID, err := a.cfg.Pipeline.Enqueue(r.Context(), projectID, sourceID, text)
	if err != nil {
		a.logger.Error("upload rejected by pipeline", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not persist document"))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": docID})
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := a.cfg.Pipeline.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("document %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status: string(snap.Status),
		Error:  snap.Error,
	})
}

type searchRequest struct {
	ProjectID string `json:"project_id"`
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
}

// handleSearch embeds the query, ranks the project's documents, and
// announces the finished search to the project room.
func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ProjectID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, errors.New("project_id and query are required"))
		return
	}

	vec, err := a.cfg.Embedder.Embed(r.Context(), req.Query)
	if err != nil {
		if errors.Is(err, embed.ErrEmptyInput) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}

	results, err := a.cfg.Store.Search(r.Context(), req.ProjectID, vec, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}

	if a.cfg.Broadcaster != nil {
		if err := a.cfg.Broadcaster.PublishSearchCompleted(req.ProjectID, req.Query, results); err != nil {
			a.logger.Warn("search broadcast", "project_id", req.ProjectID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type rpcRequest struct {
	ID     any            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// handleRPC is the JSON-RPC style envelope over the dispatcher. Unknown
// methods map to 404, exhausted timeouts to 504, handler failures to 502.
func (a *API) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, errors.New("method is required"))
		return
	}

	result, err := a.cfg.Dispatcher.Call(r.Context(), req.Method, req.Params)
	if err != nil {
		var (
			notFound *dispatch.ErrMethodNotFound
			timeout  *dispatch.ErrGatewayTimeout
			failed   *dispatch.ErrHandlerFailed
		)
		code := http.StatusInternalServerError
		switch {
		case errors.As(err, &notFound):
			code = http.StatusNotFound
		case errors.As(err, &timeout):
			code = http.StatusGatewayTimeout
		case errors.As(err, &failed):
			code = http.StatusBadGateway
		}
		writeJSON(w, code, rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: code, Message: err.Error()},
		})
		return
	}

	writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
