package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "billintake",
	Short: "Multi-lane bill document extraction pipeline",
	Long:  "Turns inbound billing emails into validated PDF payloads: attachments, direct links, PIN portals and a guardrailed agentic browser, cascaded in cost order.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
