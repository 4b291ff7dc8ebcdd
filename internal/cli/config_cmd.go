package cli

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"motionbrush/internal/config"
	"motionbrush/internal/pathextract"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate motionbrush configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate [config_file]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.LoadFile(path); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid", "path", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(w io.Writer) error {
	c := r.cfg
	fmt.Fprintf(w, "Current configuration:\n")
	fmt.Fprintf(w, "Config file: %s\n", config.Path())

	fmt.Fprintf(w, "\nProcessing:\n")
	fmt.Fprintf(w, "  Parallel jobs: %d\n", c.Processing.ParallelJobs)
	fmt.Fprintf(w, "  Temp directory: %s\n", c.Processing.TempDir)
	fmt.Fprintf(w, "  Database: %s\n", c.Paths.DatabasePath)

	fmt.Fprintf(w, "\nExtraction:\n")
	fmt.Fprintf(w, "  Direction: %s\n", c.DefaultDirection())
	fmt.Fprintf(w, "  Directions: %s\n", joinDirections())
	fmt.Fprintf(w, "  Max waypoints: %d\n", pathextract.MaxWaypoints)

	fmt.Fprintf(w, "\nGeneration API:\n")
	fmt.Fprintf(w, "  Base URL: %s\n", c.API.BaseURL)
	fmt.Fprintf(w, "  API key: %s\n", redact(c.API.Key))
	fmt.Fprintf(w, "  Poll interval: %s\n", c.API.PollInterval)
	fmt.Fprintf(w, "  Poll timeout: %s\n", c.API.PollTimeout)
	fmt.Fprintf(w, "  Prompt: %s\n", c.API.Prompt)
	fmt.Fprintf(w, "  Mode/version: %s/%s\n", c.API.Mode, c.API.Version)

	fmt.Fprintf(w, "\nObject storage:\n")
	if c.Storage.Endpoint == "" {
		fmt.Fprintf(w, "  disabled\n")
	} else {
		fmt.Fprintf(w, "  Endpoint: %s (ssl=%t)\n", c.Storage.Endpoint, c.Storage.UseSSL)
		fmt.Fprintf(w, "  Bucket: %s\n", c.Storage.Bucket)
		fmt.Fprintf(w, "  Access key: %s\n", redact(c.Storage.AccessKey))
	}

	fmt.Fprintf(w, "\nServer: %s\n", c.Server.Addr)
	fmt.Fprintf(w, "Logging: level=%s format=%s file=%t dir=%s\n",
		c.Logging.Level, c.Logging.Format, c.Logging.FileOutput, c.Logging.LogDir)
	return nil
}

func redact(secret string) string {
	switch {
	case secret == "":
		return "(not set)"
	case len(secret) <= 4:
		return "****"
	default:
		return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
	}
}

func joinDirections() string {
	labels := make([]string, 0, 4)
	for _, d := range pathextract.Directions() {
		labels = append(labels, d.String())
	}
	return strings.Join(labels, ", ")
}

func versionString() string {
	return fmt.Sprintf("Motionbrush %s (%s)", Version, runtime.Version())
}
