// scadactl is the operator's monitoring CLI for the SCADA master: it logs
// in, polls the grid overview and the node table and renders them.
//
// Exit codes: 0 success, 1 transport error, 2 authentication error.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagUsername string
	flagPassword string
	flagTimeout  time.Duration
	flagInterval time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "scadactl",
		Short:         "Monitor a SCADA grid master",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server",
		envOr("SCADA_SERVER", "http://localhost:9000"), "master base URL")
	root.PersistentFlags().StringVar(&flagUsername, "username",
		envOr("SCADA_USERNAME", "viewer"), "login username")
	root.PersistentFlags().StringVar(&flagPassword, "password",
		envOr("SCADA_PASSWORD", ""), "login password (or SCADA_PASSWORD)")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "request timeout")

	overview := &cobra.Command{
		Use:   "overview",
		Short: "Render the grid overview and the node table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOverview(cmd)
		},
	}
	overview.Flags().DurationVar(&flagInterval, "interval", 0,
		"poll interval; 0 renders once and exits")

	alarmsCmd := &cobra.Command{
		Use:   "alarms",
		Short: "List active alarms",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAlarms(cmd)
		},
	}

	root.AddCommand(overview, alarmsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scadactl:", err)
		var authErr *authError
		if errors.As(err, &authErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
