package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"darkroom/pkg/identity"
	"darkroom/pkg/models"

	"github.com/spf13/cobra"
)

func deriveKeyCmd() *cobra.Command {
	var credential, signal string
	cmd := &cobra.Command{
		Use:   "derive-key",
		Short: "Print the client key a credential and signal resolve to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := identity.Derive(credential, signal)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "gallery credential")
	cmd.Flags().StringVar(&signal, "signal", "", "client signal, usually the user agent")
	_ = cmd.MarkFlagRequired("credential")
	return cmd
}

func policyCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and apply gallery policies",
	}

	get := &cobra.Command{
		Use:   "get GALLERY",
		Short: "Show the effective policy of a gallery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.adminCall(cmd.Context(), http.MethodGet, "/v1/admin/galleries/"+url.PathEscape(args[0])+"/policy", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}

	var file string
	var dryRun bool
	apply := &cobra.Command{
		Use:   "apply -f policies.yaml",
		Short: "Validate and upsert every policy in a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			policies, err := parsePolicyFile(raw)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range policies {
				if dryRun {
					fmt.Fprintf(out, "%s: %s ok\n", p.GalleryID, p.Mode)
					continue
				}
				if _, err := opts.adminCall(cmd.Context(), http.MethodPut, "/v1/admin/galleries/"+url.PathEscape(p.GalleryID)+"/policy", p); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: applied %s\n", p.GalleryID, p.Mode)
			}
			return nil
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "policy YAML file")
	apply.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	_ = apply.MarkFlagRequired("file")

	cmd.AddCommand(get, apply)
	return cmd
}

func usageCmd(opts *clientOptions) *cobra.Command {
	var clientKey string
	cmd := &cobra.Command{
		Use:   "usage GALLERY",
		Short: "Show ledger usage for a gallery or one client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/galleries/" + url.PathEscape(args[0]) + "/usage"
			if clientKey != "" {
				if err := identity.Validate(clientKey); err != nil {
					return err
				}
				path += "?client_key=" + url.QueryEscape(clientKey)
			}
			body, err := opts.adminCall(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&clientKey, "client-key", "", "limit output to one client")
	return cmd
}

func resetCmd(opts *clientOptions) *cobra.Command {
	var clientKey, reason string
	cmd := &cobra.Command{
		Use:   "reset GALLERY",
		Short: "Clear a client's consumed downloads in a gallery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := identity.Validate(clientKey); err != nil {
				return err
			}
			body, err := opts.adminCall(cmd.Context(), http.MethodPost, "/v1/admin/galleries/"+url.PathEscape(args[0])+"/reset",
				map[string]string{"client_key": clientKey, "reason": reason})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&clientKey, "client-key", "", "client to reset")
	cmd.Flags().StringVar(&reason, "reason", "", "recorded in the audit trail")
	_ = cmd.MarkFlagRequired("client-key")
	return cmd
}

func settleCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settle CHECKOUT_REF completed|failed",
		Short: "Settle a sandbox checkout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := models.PaymentStatus(args[1])
			if status != models.PaymentCompleted && status != models.PaymentFailed {
				return fmt.Errorf("status must be completed or failed, got %q", args[1])
			}
			body, err := opts.adminCall(cmd.Context(), http.MethodPost,
				"/v1/admin/sandbox/payments/"+url.PathEscape(args[0])+"/"+string(status), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}
