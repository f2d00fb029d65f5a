package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-sso/internal/config"
	"github.com/rcourtman/pulse-sso/internal/logging"
	"github.com/rcourtman/pulse-sso/internal/rbac"
	"github.com/rcourtman/pulse-sso/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "pulse-sso",
	Short:   "Pulse SSO - organization SAML single sign-on configuration",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Pulse SSO %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var entitlementsCmd = &cobra.Command{
	Use:   "entitlements <org-id>",
	Short: "Print the entitlement snapshot for an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(func(c *server.Components) error {
			snap, err := c.Entitlements.Entitlements(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		})
	},
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage organization memberships",
}

var membersSetRoleCmd = &cobra.Command{
	Use:   "set-role <org-id> <user-id> <role>",
	Short: "Grant a user a role in an organization",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := rbac.ParseRole(args[2])
		if err != nil {
			return err
		}
		return withComponents(func(c *server.Components) error {
			m, err := c.Members.SetRole(cmd.Context(), args[0], args[1], role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s in %s\n", m.UserID, m.Role, m.OrgID)
			return nil
		})
	},
}

var membersListCmd = &cobra.Command{
	Use:   "list <org-id>",
	Short: "List the members of an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(func(c *server.Components) error {
			members, err := c.Members.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range members {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", m.UserID, m.Role)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(entitlementsCmd)
	membersCmd.AddCommand(membersSetRoleCmd)
	membersCmd.AddCommand(membersListCmd)
	rootCmd.AddCommand(membersCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	return server.Run(ctx, Version)
}

// withComponents opens the stores for a one-shot command.
func withComponents(fn func(*server.Components) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    "console",
		Level:     "warn",
		Component: "pulse-sso",
	})

	c, err := server.Open(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
