// Package cmd provides the CLI commands for ModularMind.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/modularmind/modularmind/internal/logging"
	"github.com/modularmind/modularmind/internal/profiling"
	"github.com/modularmind/modularmind/pkg/version"
)

// Flag state shared by the persistent pre and post run hooks.
var (
	debugMode    bool
	profileCPU   string
	profileMem   string
	profileTrace string

	loggingCleanup func()
	profileSession *profiling.Session
)

// NewRootCmd creates the root command for the mmind CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mmind",
		Short: "Modular RAG serving platform",
		Long: `ModularMind serves retrieval-augmented generation workloads:
an embedding service fronting multiple providers, a hybrid vector store
combining dense and sparse search, and scheduled ingestion agents that
keep the store fed.

Run 'mmind init' to lay down the configuration files.`,
		Version: version.Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("mmind version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startDiagnostics
	cmd.PersistentPostRunE = stopDiagnostics

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startDiagnostics turns on debug logging and profiling when the flags
// ask for them.
func startDiagnostics(_ *cobra.Command, _ []string) error {
	if debugMode {
		logger, cleanup, err := logging.Setup(logging.DebugConfig())
		if err != nil {
			return fmt.Errorf("cannot set up debug logging: %w", err)
		}
		loggingCleanup = cleanup
		slog.SetDefault(logger)
		slog.Debug("debug_logging_enabled", "log_file", logging.DefaultLogPath())
	}

	if profileCPU != "" || profileTrace != "" {
		s, err := profiling.Start(profileCPU, profileTrace)
		if err != nil {
			return err
		}
		profileSession = s
	}

	return nil
}

// stopDiagnostics flushes profiles and closes the log file.
func stopDiagnostics(_ *cobra.Command, _ []string) error {
	profileSession.Stop()
	profileSession = nil

	if profileMem != "" {
		if err := profiling.WriteHeap(profileMem); err != nil {
			return err
		}
	}

	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}

	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
