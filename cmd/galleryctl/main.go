package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &clientOptions{}
	root := &cobra.Command{
		Use:           "galleryctl",
		Short:         "Operate gallery download policies and quotas",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("DARKROOM_URL", "http://localhost:8080"), "gateway base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("ADMIN_TOKEN"), "admin token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")
	root.PersistentFlags().IntVar(&opts.retries, "retries", 2, "retries on 429 and 5xx")

	root.AddCommand(deriveKeyCmd())
	root.AddCommand(policyCmd(opts))
	root.AddCommand(usageCmd(opts))
	root.AddCommand(resetCmd(opts))
	root.AddCommand(settleCmd(opts))
	return root
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
