package main

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaybothq/relaybot/cmd/relaybot/modules"
	"github.com/relaybothq/relaybot/db"
	"github.com/relaybothq/relaybot/internal/auth"
	"github.com/relaybothq/relaybot/internal/config"
	dbconn "github.com/relaybothq/relaybot/internal/db"
	"github.com/relaybothq/relaybot/internal/logger"
	"github.com/relaybothq/relaybot/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:           "relaybot",
		Short:         "Multi-tenant feedback bot host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relaybot: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot host and management API",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Starting relaybot %s\n", version.GetInfo())
			fx.New(
				modules.InfraModule,
				modules.DomainModule,
				modules.FleetModule,
				modules.ServerModule,
				fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
					return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
				}),
			).Run()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply database migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			migrations, err := fs.Sub(db.MigrationsFS, "migrations")
			if err != nil {
				return fmt.Errorf("migration fs: %w", err)
			}
			return dbconn.RunMigrate(logger.L, cfg.Postgres, migrations, args[0])
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject   string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, expiresAt, err := auth.GenerateToken(subject, cfg.Auth.JWTSecret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	cmd.Flags().DurationVar(&expiresIn, "expires", 24*time.Hour, "Token lifetime")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relaybot %s\n", version.GetInfo())
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
