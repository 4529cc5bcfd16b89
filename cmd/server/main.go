package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"interestchat/internal/config"
	"interestchat/internal/db"
	clog "interestchat/internal/log"
	"interestchat/internal/repository"
	"interestchat/internal/service"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	// main 负责加载 .env 与配置、初始化日志，再把控制权交给子命令。
	var cfg config.Config
	root := &cobra.Command{
		Use:           "server",
		Short:         "Interest-matched, time-boxed group chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg = config.Load()
			if err := config.Validate(cfg); err != nil {
				return err
			}
			clog.Init(cfg.Env, cfg.LogLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := openDB(cfg)
			if err == nil {
				log.Info().Msg("migrations applied")
			}
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "seed-interests NAME...",
		Short: "Insert interests that do not exist yet",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			svc := service.NewInterestService(repository.NewGormStore(gdb), cfg.StoreTimeout)
			n, err := svc.Seed(cmd.Context(), args)
			if err != nil {
				return err
			}
			log.Info().Int64("inserted", n).Int("requested", len(args)).Msg("interests seeded")
			return nil
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return gdb, nil
}
