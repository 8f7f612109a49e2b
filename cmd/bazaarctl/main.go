// bazaarctl is the operator CLI. Most commands talk to a running control
// plane over its REST API; restore works directly against the share volume
// and must run while the server is stopped.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/backupsvc"
	"github.com/bazaar-ml/bazaar/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type clientConfig struct {
	endpoint string
	token    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &clientConfig{}

	root := &cobra.Command{
		Use:   "bazaarctl",
		Short: "Operator CLI for the Bazaar control plane",
	}
	root.PersistentFlags().StringVar(&cfg.endpoint, "endpoint",
		envOrDefault("BAZAARCTL_ENDPOINT", "http://localhost:8080"), "Control-plane base URL")
	root.PersistentFlags().StringVar(&cfg.token, "token",
		os.Getenv("BAZAARCTL_TOKEN"), "Bearer token (defaults to BAZAARCTL_TOKEN)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newLoginCmd(cfg))
	root.AddCommand(newModelsCmd(cfg))
	root.AddCommand(newUsersCmd(cfg))
	root.AddCommand(newBackupCmd(cfg))
	root.AddCommand(newRestoreCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bazaarctl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newLoginCmd(cfg *clientConfig) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and print an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				AccessToken string `json:"access_token"`
			}
			err := call(cmd.Context(), cfg, http.MethodPost, "/api/v1/auth/login",
				map[string]string{"username": username, "password": password}, &out)
			if err != nil {
				return err
			}
			fmt.Println(out.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Username")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newModelsCmd(cfg *clientConfig) *cobra.Command {
	models := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage models",
	}
	models.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List visible models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.Context(), cfg, http.MethodGet, "/api/v1/models", nil)
		},
	})
	models.AddCommand(&cobra.Command{
		Use:   "get <model-id>",
		Short: "Show one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.Context(), cfg, http.MethodGet, "/api/v1/models/"+args[0], nil)
		},
	})
	models.AddCommand(&cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a model, stopping any live deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.Context(), cfg, http.MethodDelete, "/api/v1/models/"+args[0], nil)
		},
	})
	models.AddCommand(&cobra.Command{
		Use:   "stop <model-id>",
		Short: "Stop a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.Context(), cfg, http.MethodDelete, "/api/v1/deploy/"+args[0], nil)
		},
	})
	return models
}

func newUsersCmd(cfg *clientConfig) *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts (admin token required)",
	}
	users.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.Context(), cfg, http.MethodGet, "/api/v1/users", nil)
		},
	})
	promote := &cobra.Command{
		Use:   "promote <user-id>",
		Short: "Grant global admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.Context(), cfg, http.MethodPatch, "/api/v1/users/"+args[0]+"/admin",
				map[string]bool{"global_admin": true})
		},
	}
	users.AddCommand(promote)
	users.AddCommand(&cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.Context(), cfg, http.MethodDelete, "/api/v1/users/"+args[0], nil)
		},
	})
	return users
}

func newBackupCmd(cfg *clientConfig) *cobra.Command {
	var provider, bucket, prefix, cronExpr string
	var limit int
	var detached bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Configure backups and run one now (admin token required)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.Context(), cfg, http.MethodPost, "/api/v1/backup", map[string]any{
				"provider":     provider,
				"bucket":       bucket,
				"prefix":       prefix,
				"cron_expr":    cronExpr,
				"backup_limit": limit,
				"detached":     detached,
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "local", "Destination provider (local, s3, azure, gcs)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket (remote providers)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Destination key prefix")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression for recurring backups")
	cmd.Flags().IntVar(&limit, "limit", backupsvc.DefaultBackupLimit, "Backups retained per destination")
	cmd.Flags().BoolVar(&detached, "detached", false, "Run as a scheduler job instead of in-process")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var shareDir, databaseURI string

	cmd := &cobra.Command{
		Use:   "restore <backup-uri>",
		Short: "Restore a backup archive over the share volume",
		Long: `Restore downloads a backup archive and unpacks it over the share
volume. The control plane must be stopped while this runs; the restored
metadata dump is applied on its next start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			// No stored config is needed for a restore.
			service, err := backupsvc.New(nil, storage.NewRegistry(logger), shareDir, databaseURI, logger)
			if err != nil {
				return err
			}
			if err := service.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("restore complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&shareDir, "share-dir", "", "Share volume root")
	cmd.Flags().StringVar(&databaseURI, "database-uri", "", "DATABASE_URI of the metadata store")
	_ = cmd.MarkFlagRequired("share-dir")
	return cmd
}

// call performs one API request, decoding the envelope's data field into out.
func call(ctx context.Context, cfg *clientConfig, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.endpoint+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.token)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response (%s): %w", resp.Status, err)
	}
	if envelope.Status != "success" {
		return fmt.Errorf("%s: %s", resp.Status, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// printJSON performs a request and pretty-prints the data field.
func printJSON(ctx context.Context, cfg *clientConfig, method, path string, body any) error {
	var data json.RawMessage
	if err := call(ctx, cfg, method, path, body, &data); err != nil {
		return err
	}
	if len(data) == 0 {
		fmt.Println("ok")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
