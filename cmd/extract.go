package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/model"
)

var extractOutDir string

var extractCmd = &cobra.Command{
	Use:   "extract <email.json>",
	Short: "Run the lane cascade on a single email payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read email payload")
		}
		var email model.InboundEmail
		if err := json.Unmarshal(raw, &email); err != nil {
			return eris.Wrap(err, "unmarshal email payload")
		}

		rl, ruleName := env.Rules.Match(email)

		job, err := env.Store.CreateJob(ctx, email)
		if err != nil {
			return err
		}
		if err := env.Store.UpdateJobStatus(ctx, job.ID, model.JobStatusRunning); err != nil {
			zap.L().Warn("update job status", zap.Error(err))
		}

		result := env.Orchestrator.Run(ctx, email, rl)

		if err := env.Store.AppendTrace(ctx, job.ID, result.Trace); err != nil {
			zap.L().Warn("persist trace", zap.Error(err))
		}
		if err := env.Store.CompleteJob(ctx, job.ID, &result); err != nil {
			zap.L().Warn("complete job", zap.Error(err))
		}

		if extractOutDir != "" && result.Success {
			if err := writeBuffers(extractOutDir, result.PDFBuffers); err != nil {
				return err
			}
		}

		out, err := json.MarshalIndent(summarize(job.ID, ruleName, result), "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal result")
		}
		fmt.Println(string(out))

		if !result.Success {
			return eris.New(result.Error)
		}
		return nil
	},
}

// summarize shapes the CLI output: buffer metadata instead of raw bytes.
func summarize(jobID, ruleName string, result model.ExtractionResult) map[string]any {
	buffers := make([]map[string]any, 0, len(result.PDFBuffers))
	for _, b := range result.PDFBuffers {
		buffers = append(buffers, map[string]any{
			"name":  b.Name,
			"bytes": len(b.Content),
			"url":   b.URL,
		})
	}
	return map[string]any{
		"job_id":      jobID,
		"rule":        ruleName,
		"success":     result.Success,
		"error":       result.Error,
		"pdf_buffers": buffers,
		"trace":       result.Trace,
	}
}

func writeBuffers(dir string, buffers []model.PDFBuffer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "create output dir")
	}
	for _, b := range buffers {
		path := dir + string(os.PathSeparator) + b.Name
		if err := os.WriteFile(path, b.Content, 0o644); err != nil {
			return eris.Wrapf(err, "write %s", path)
		}
		zap.L().Info("wrote buffer", zap.String("path", path), zap.Int("bytes", len(b.Content)))
	}
	return nil
}

func init() {
	extractCmd.Flags().StringVar(&extractOutDir, "out", "", "directory to write extracted PDFs into")
	rootCmd.AddCommand(extractCmd)
}
