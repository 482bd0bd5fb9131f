package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chartwise-health/chartwise/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for document processing and review",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: buildRouter(ctx, env, workerCount()),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter assembles the API routes. serveCtx outlives individual
// requests and bounds the async processing goroutines; maxConcurrent
// caps how many documents process at once, matching the batch worker
// pool. Requests past the cap get a 503 instead of queueing.
func buildRouter(serveCtx context.Context, env *appEnv, maxConcurrent int) http.Handler {
	grp := &errgroup.Group{}
	grp.SetLimit(maxConcurrent)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/documents/{id}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			handleGetDocument(w, req, env)
		})
		r.Post("/process", func(w http.ResponseWriter, req *http.Request) {
			handleProcessDocument(serveCtx, grp, w, req, env)
		})
	})

	r.Route("/records/{id}", func(r chi.Router) {
		r.Post("/review", func(w http.ResponseWriter, req *http.Request) {
			handleReviewRecord(w, req, env)
		})
		r.Post("/correct", func(w http.ResponseWriter, req *http.Request) {
			handleCorrectRecord(w, req, env)
		})
		r.Post("/rollback", func(w http.ResponseWriter, req *http.Request) {
			handleRollbackRecord(w, req, env)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleGetDocument(w http.ResponseWriter, req *http.Request, env *appEnv) {
	id := chi.URLParam(req, "id")

	doc, err := env.Store.GetDocument(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	resp := struct {
		Document *model.Document     `json:"document"`
		Record   *model.ParsedRecord `json:"record,omitempty"`
	}{Document: doc}

	rec, err := env.Store.GetParsedRecordByDocument(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	resp.Record = rec

	writeJSON(w, http.StatusOK, resp)
}

func handleProcessDocument(serveCtx context.Context, grp *errgroup.Group, w http.ResponseWriter, req *http.Request, env *appEnv) {
	id := chi.URLParam(req, "id")

	doc, err := env.Store.GetDocument(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	// Process asynchronously; the outcome lands on the document row.
	// The group caps concurrent documents, and a full pool refuses the
	// request rather than queueing it.
	started := grp.TryGo(func() error {
		out, err := env.Processor.Process(serveCtx, id)
		if err != nil {
			zap.L().Error("async processing failed",
				zap.String("document_id", id),
				zap.Error(err),
			)
			return nil
		}
		zap.L().Info("async processing finished",
			zap.String("document_id", id),
			zap.String("status", string(out.Status)),
		)
		return nil
	})
	if !started {
		writeError(w, http.StatusServiceUnavailable, "processing capacity exhausted")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"document_id": id,
	})
}

func handleReviewRecord(w http.ResponseWriter, req *http.Request, env *appEnv) {
	id := chi.URLParam(req, "id")

	var body struct {
		Reviewer string `json:"reviewer"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}

	rec, err := env.Review.MarkCorrect(req.Context(), id, body.Reviewer, body.Notes)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func handleCorrectRecord(w http.ResponseWriter, req *http.Request, env *appEnv) {
	id := chi.URLParam(req, "id")

	var body struct {
		Reviewer string                 `json:"reviewer"`
		Result   model.ExtractionResult `json:"result"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}

	rec, err := env.Review.CorrectData(req.Context(), id, body.Reviewer, body.Result)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func handleRollbackRecord(w http.ResponseWriter, req *http.Request, env *appEnv) {
	id := chi.URLParam(req, "id")

	var body struct {
		Reviewer string `json:"reviewer"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}

	removed, err := env.Review.RollbackMerge(req.Context(), id, body.Reviewer, body.Reason)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "rolled_back",
		"resources_removed": removed,
	})
}
