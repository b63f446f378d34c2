package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	srv "github.com/nstogner/godagent/pkg/server"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp <server>",
	Short: "Serve a built-in tool server over stdio for other MCP clients",
	Long: `Serve one of the built-in tool servers (crypto, filesystem, container or
knowledge) over stdio. Logs go to stderr so stdout stays a clean protocol
stream.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServers(cmd, func(servers map[string]*server.MCPServer) error {
			s, ok := servers[args[0]]
			if !ok {
				names := slices.Sorted(maps.Keys(servers))
				return fmt.Errorf("unknown or disabled server %q (available: %s)", args[0], strings.Join(names, ", "))
			}
			return server.ServeStdio(s)
		})
	},
}

func withServers(cmd *cobra.Command, fn func(map[string]*server.MCPServer) error) error {
	if err := setupLogging(os.Stderr); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	servers, err := a.builtinServers()
	if err != nil {
		return err
	}
	return fn(servers)
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API access token signed with the server's JWT secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.JWTSecret == "" {
			return fmt.Errorf("no JWT secret configured (set server.jwt_secret or GODAGENT_JWT_SECRET)")
		}
		token, err := srv.NewToken(cfg.Server.JWTSecret, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
