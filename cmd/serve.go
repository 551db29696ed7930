package main

import (
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

	"github.com/evetrack/killfeed/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long:  "Exposes health and trigger endpoints so an external scheduler can kick off pulls, repairs, and retention sweeps over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			stats, err := env.Store.Stats(req.Context())
			if err != nil {
				zap.L().Error("stats failed", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		r.Post("/trigger/pull", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				PastSeconds int64 `json:"past_seconds"`
				Backfill    bool  `json:"backfill"`
			}
			if req.Body != nil && req.ContentLength != 0 {
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
					return
				}
			}

			// The run lock serializes concurrent triggers; a second request
			// while a pull is live gets an already_running report.
			go func() {
				report, err := env.Pipeline.Pull(ctx, pipeline.PullOptions{
					PastSeconds: body.PastSeconds,
					Backfill:    body.Backfill,
				})
				if err != nil {
					zap.L().Error("triggered pull failed", zap.Error(err))
					return
				}
				zap.L().Info("triggered pull finished",
					zap.String("status", string(report.Status)),
					zap.Int("matched", report.Matched),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})

		r.Post("/trigger/repair", func(w http.ResponseWriter, req *http.Request) {
			go func() {
				report, err := env.Pipeline.Repair(ctx)
				if err != nil {
					zap.L().Error("triggered repair failed", zap.Error(err))
					return
				}
				zap.L().Info("triggered repair finished",
					zap.Int("repaired", report.Repaired),
					zap.Int("failed", report.Failed),
				)
			}()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})

		r.Post("/trigger/retention", func(w http.ResponseWriter, req *http.Request) {
			go func() {
				deleted, err := env.Pipeline.Retention(ctx)
				if err != nil {
					zap.L().Error("triggered retention failed", zap.Error(err))
					return
				}
				zap.L().Info("triggered retention finished", zap.Int64("deleted", deleted))
			}()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
