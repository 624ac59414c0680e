// Package cmd implements the operator-facing CLI surface (§6): ban
// management, force-reauth, cron administration, session inspection,
// memory curation, and the guarded reset-db command. Every subcommand
// opens the same embedded Store the running kernel process uses, so
// `telclaude-kernel ban 123` takes effect immediately without a restart.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "telclaude-kernel",
	Short: "telclaude-kernel — security mediation kernel operator CLI",
	Long:  "telclaude-kernel: the capability broker and policy mediator sitting between chat/job surfaces and the sandboxed agent process.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $TELCLAUDE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(banCmd())
	rootCmd.AddCommand(unbanCmd())
	rootCmd.AddCommand(listBansCmd())
	rootCmd.AddCommand(forceReauthCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(resetDBCmd())
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TELCLAUDE_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("telclaude-kernel dev")
		},
	}
}

// Execute runs the root cobra command. Exit codes match §6: 0 success, 1
// policy/validation failure, >1 reserved for unexpected errors.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
