package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/internal/ledgerd"
	"github.com/MarkoPoloResearchLab/pointsledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/pointsledger/internal/telemetry"
	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	envPrefix          = "LEDGERD"
	defaultDatabaseURL = "sqlite:///tmp/pointsledger.db"
)

type commandEnv struct {
	databaseURL string
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ledgerctl: load .env: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	env := &commandEnv{}
	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Administrative commands for the points ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix(envPrefix)
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlag(flagDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
				return err
			}
			env.databaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
			if env.databaseURL == "" {
				return fmt.Errorf("%s is required", flagDatabaseURL)
			}
			return nil
		},
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "postgres:// URL, sqlite:// URL or sqlite file path")

	cmd.AddCommand(
		newMigrateCommand(env),
		newOpenAccountCommand(env),
		newSetTierCommand(env),
		newSetStatusCommand(env),
		newBalanceCommand(env),
	)
	return cmd
}

func newMigrateCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), env, func(db *gorm.DB) error {
				if err := ledgerd.PrepareSchema(db); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newOpenAccountCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "open-account <user-id>",
		Short: "Create an ACTIVE account with zero balances (no-op when it exists)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd.Context(), env, func(db *gorm.DB, service *ledger.Service) error {
				account, err := service.OpenAccount(cmd.Context(), userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s balance=%s frozen=%s\n", account.UserID, account.Status, account.Balance, account.FrozenBalance)
				return nil
			})
		},
	}
}

func newSetTierCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "set-tier <user-id> <tier>",
		Short: "Record the tier of an account (MEMBER, DISTRIBUTOR, AGENT, PARTNER, DIRECTOR)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			tier, err := ledger.ParseTier(args[1])
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), env, func(db *gorm.DB) error {
				if err := gormstore.NewTierDirectory(db).SetTier(cmd.Context(), userID, tier); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s tier=%s\n", userID, tier)
				return nil
			})
		},
	}
}

func newSetStatusCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <user-id> <ACTIVE|SUSPENDED>",
		Short: "Suspend or reactivate an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			status, err := ledger.ParseAccountStatus(args[1])
			if err != nil {
				return err
			}
			return withService(cmd.Context(), env, func(db *gorm.DB, service *ledger.Service) error {
				if err := service.SetAccountStatus(cmd.Context(), userID, status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s status=%s\n", userID, status)
				return nil
			})
		},
	}
}

func newBalanceCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Print balance, frozen and available amounts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd.Context(), env, func(db *gorm.DB, service *ledger.Service) error {
				balance, err := service.Balance(cmd.Context(), userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%s frozen=%s available=%s\n", userID, balance.Balance, balance.Frozen, balance.Available)
				return nil
			})
		},
	}
}

func withDatabase(ctx context.Context, env *commandEnv, fn func(db *gorm.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, cleanup, _, err := ledgerd.OpenDatabase(ctx, env.databaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	return fn(db)
}

func withService(ctx context.Context, env *commandEnv, fn func(db *gorm.DB, service *ledger.Service) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return withDatabase(ctx, env, func(db *gorm.DB) error {
		clock := func() time.Time { return time.Now().UTC() }
		service, err := ledger.NewService(gormstore.New(db), clock,
			ledger.WithTierResolver(gormstore.NewTierDirectory(db)),
			ledger.WithOperationLogger(telemetry.NewZapOperationLogger(logger)),
		)
		if err != nil {
			return fmt.Errorf("ledger service init: %w", err)
		}
		return fn(db, service)
	})
}
