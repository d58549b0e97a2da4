package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/fetcher"
	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the invoice API, retry workers and health checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		go func() {
			if err := env.Pipeline.Start(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("retry workers stopped", zap.Error(err))
			}
		}()
		go env.Checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildMux(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		env.Pipeline.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// submitRequest is the JSON form of POST /invoices. Content is base64.
type submitRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// buildMux wires the HTTP routes. A nil env serves only /health and /metrics;
// every other route answers 503.
func buildMux(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if env != nil {
			depth, err := env.Queue.Depth(r.Context())
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
				return
			}
			body["queue_depth"] = depth
			if env.Breakers != nil {
				circuits := make(map[string]string)
				for name, state := range env.Breakers.States() {
					circuits[name] = state.String()
				}
				body["circuits"] = circuits
			}
		}
		writeJSON(w, http.StatusOK, body)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireEnv(env))

		r.Post("/invoices", func(w http.ResponseWriter, r *http.Request) {
			id, doc, err := decodeSubmission(w, r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			id, err = env.Pipeline.Submit(r.Context(), id, doc)
			if err != nil {
				zap.L().Error("submit failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "submit failed")
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":     "accepted",
				"invoice_id": id,
			})
		})

		r.Get("/invoices", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			filter := store.InvoiceFilter{
				State: model.State(q.Get("state")),
				Stage: model.Stage(q.Get("stage")),
				Limit: queryInt(q.Get("limit"), 50),
			}
			invs, err := env.Store.ListInvoices(r.Context(), filter)
			if err != nil {
				zap.L().Error("list invoices failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "list failed")
				return
			}
			out := make([]model.Invoice, len(invs))
			for i := range invs {
				out[i] = withoutContent(&invs[i])
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Get("/invoices/{id}", func(w http.ResponseWriter, r *http.Request) {
			inv, err := env.Pipeline.Status(r.Context(), chi.URLParam(r, "id"))
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "invoice not found")
				return
			}
			if err != nil {
				zap.L().Error("status failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "status failed")
				return
			}
			writeJSON(w, http.StatusOK, withoutContent(inv))
		})

		r.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
			dls, err := env.Store.ListDeadLetters(r.Context(), queryInt(r.URL.Query().Get("limit"), 100))
			if err != nil {
				zap.L().Error("list dead letters failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "list failed")
				return
			}
			for i := range dls {
				dls[i].Snapshot = nil
			}
			writeJSON(w, http.StatusOK, dls)
		})

		r.Post("/sweep", func(w http.ResponseWriter, r *http.Request) {
			n, err := env.Pipeline.SweepOnce(r.Context())
			if err != nil {
				zap.L().Error("sweep failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "sweep failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"resumed": n})
		})
	})

	return r
}

func requireEnv(env *pipelineEnv) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if env == nil {
				writeError(w, http.StatusServiceUnavailable, "pipeline not initialized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decodeSubmission reads a JSON body or a multipart upload with a "file"
// part.
func decodeSubmission(w http.ResponseWriter, r *http.Request) (string, model.Document, error) {
	body := http.MaxBytesReader(w, r.Body, fetcher.DefaultMaxSize*2)

	var req submitRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = body
		if err := r.ParseMultipartForm(fetcher.DefaultMaxSize); err != nil {
			return "", model.Document{}, eris.Wrap(err, "invalid multipart body")
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return "", model.Document{}, eris.New("file is required")
		}
		defer f.Close() //nolint:errcheck
		data, err := io.ReadAll(io.LimitReader(f, fetcher.DefaultMaxSize+1))
		if err != nil {
			return "", model.Document{}, eris.Wrap(err, "read upload")
		}
		req = submitRequest{
			ID:          r.FormValue("id"),
			Name:        hdr.Filename,
			ContentType: hdr.Header.Get("Content-Type"),
			Content:     data,
		}
	} else if err := json.NewDecoder(body).Decode(&req); err != nil {
		return "", model.Document{}, eris.New("invalid request body")
	}

	if len(req.Content) == 0 {
		return "", model.Document{}, eris.New("content is required")
	}
	if len(req.Content) > fetcher.DefaultMaxSize {
		return "", model.Document{}, eris.Errorf("content exceeds %d bytes", fetcher.DefaultMaxSize)
	}
	if req.Name == "" {
		req.Name = "upload"
	}
	if req.ContentType == "" || req.ContentType == "application/octet-stream" {
		req.ContentType = fetcher.ContentType(req.Name)
	}

	sum := sha256.Sum256(req.Content)
	return req.ID, model.Document{
		Name:        req.Name,
		ContentType: req.ContentType,
		SourceRef:   "api",
		SHA256:      hex.EncodeToString(sum[:]),
		Content:     req.Content,
	}, nil
}

// withoutContent copies inv without the raw document bytes.
func withoutContent(inv *model.Invoice) model.Invoice {
	out := *inv
	out.Document.Content = nil
	return out
}

func queryInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
