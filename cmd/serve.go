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

	"github.com/propfolio/billintake/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the inbound email webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
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
			Handler: buildMux(env),
		}

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

// buildMux constructs the webhook router over a wired pipeline environment.
func buildMux(env *pipelineEnv) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhook/inbound", func(w http.ResponseWriter, req *http.Request) {
		var email model.InboundEmail
		if err := json.NewDecoder(req.Body).Decode(&email); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if email.MessageID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message_id is required"})
			return
		}

		job, err := env.Store.CreateJob(req.Context(), email)
		if err != nil {
			zap.L().Error("create job", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
			return
		}

		// Extraction runs detached from the request: webhooks time out
		// long before the agentic lane does. The job keeps running through
		// shutdown drain; per-lane timeouts still bound it.
		env.jobs.Add(1)
		jobCtx := context.WithoutCancel(req.Context())
		go func() {
			defer env.jobs.Done()
			runJob(jobCtx, env, job.ID, email)
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"job_id": job.ID,
		})
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		job, err := env.Store.GetJob(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	return r
}

// runJob executes one extraction job end to end and persists the outcome.
func runJob(ctx context.Context, env *pipelineEnv, jobID string, email model.InboundEmail) {
	if err := env.Store.UpdateJobStatus(ctx, jobID, model.JobStatusRunning); err != nil {
		zap.L().Warn("update job status", zap.String("job_id", jobID), zap.Error(err))
	}

	rl, ruleName := env.Rules.Match(email)
	result := env.Orchestrator.Run(ctx, email, rl)

	if err := env.Store.AppendTrace(ctx, jobID, result.Trace); err != nil {
		zap.L().Warn("persist trace", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := env.Store.CompleteJob(ctx, jobID, &result); err != nil {
		zap.L().Error("complete job", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	zap.L().Info("job finished",
		zap.String("job_id", jobID),
		zap.String("rule", ruleName),
		zap.Bool("success", result.Success),
		zap.Int("buffers", len(result.PDFBuffers)),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
