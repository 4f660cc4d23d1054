// splitctl is the operator CLI for the split-test engine. It talks to the
// same database, cache, and YouTube APIs as the service binaries, so it can
// rotate and apply variants without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/creatorbackoffice/splittest/internal/cache"
	"github.com/creatorbackoffice/splittest/internal/config"
	"github.com/creatorbackoffice/splittest/internal/database"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/middleware"
	"github.com/creatorbackoffice/splittest/internal/rotation"
	"github.com/creatorbackoffice/splittest/internal/youtube"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

const cliActor = "splitctl"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "splitctl",
	Short:         "Operate A/B tests on video metadata from the command line",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOrDefault("CONFIG_PATH", "config.yaml"), "config file path")
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newRotateCmd())
	rootCmd.AddCommand(newTokenCmd())
}

func newApplyCmd() *cobra.Command {
	var testID, variantID string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Push a specific variant's content to the live video",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			rotator, cleanup, err := buildRotator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			variant, err := rotator.Apply(ctx, testID, variantID, cliActor)
			if err != nil {
				return err
			}

			printApplied(variant)
			return nil
		},
	}

	cmd.Flags().StringVar(&testID, "test", "", "test id (required)")
	cmd.Flags().StringVar(&variantID, "variant", "", "variant id (required)")
	cmd.MarkFlagRequired("test")
	cmd.MarkFlagRequired("variant")

	return cmd
}

func newRotateCmd() *cobra.Command {
	var testID string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Advance an active test to its next variant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			rotator, cleanup, err := buildRotator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			variant, err := rotator.Rotate(ctx, testID, cliActor)
			if err != nil {
				return err
			}

			printApplied(variant)
			return nil
		},
	}

	cmd.Flags().StringVar(&testID, "test", "", "test id (required)")
	cmd.MarkFlagRequired("test")

	return cmd
}

func newTokenCmd() *cobra.Command {
	var userID, email string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for API access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret is not configured")
			}

			middleware.SetJWTSecret(cfg.Auth.JWTSecret)
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}

			token, err := middleware.GenerateToken(userID, email, ttl)
			if err != nil {
				return err
			}

			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "operator", "user id recorded as the audit actor")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")

	return cmd
}

// buildRotator wires the direct stack the rotator needs. The returned cleanup
// closes the connections.
func buildRotator(ctx context.Context) (*rotation.Rotator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NewNopLogger()

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	tokens := youtube.TokenSource(ctx, cfg.YouTube)
	ytClient, err := youtube.NewClient(ctx, cfg.YouTube, tokens, logger)
	if err != nil {
		redisCache.Close()
		db.Close()
		return nil, nil, err
	}

	repo := database.NewRepository(db)
	rotator := rotation.NewRotator(repo, ytClient, redisCache, cfg.ABTest.LockTTL, logger)

	cleanup := func() {
		redisCache.Close()
		db.Close()
	}
	return rotator, cleanup, nil
}

func printApplied(variant *models.Variant) {
	appliedAt := "never"
	if variant.AppliedAt != nil {
		appliedAt = variant.AppliedAt.Format(time.RFC3339)
	}
	fmt.Printf("Applied variant %q (%s) at %s\n", variant.Name, variant.ID, appliedAt)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
