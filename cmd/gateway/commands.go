package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/medigate/internal/config"
	"github.com/nao1215/medigate/internal/gateway"
	"github.com/nao1215/medigate/pkg/logging"
	"github.com/nao1215/medigate/pkg/tracing"
)

// newRootCmd はgatewayコマンドを生成する。サブコマンドを省略した場合はserveを実行する。
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "医療モニタリングプラットフォームのAPI Gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadDotEnv()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "設定ファイル（YAML）のパス。省略時はCONFIG_FILE環境変数")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "HTTPサーバーを起動する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "設定・ルートテーブル・アクセスポリシーを検証する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return checkConfig(cmd, configPath)
			},
		},
	)
	return root
}

// loadDotEnv はカレントディレクトリの.envを読み込む。既に設定済みの環境変数は上書きしない。
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf(".envの読み込みに失敗: %w", err)
	}
	return nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.TracingEnabled, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("トレースの書き出しに失敗しました", zap.Error(err))
		}
	}()

	server, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Gatewayサーバーの初期化に失敗", zap.Error(err))
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("リソースの解放に失敗しました", zap.Error(err))
		}
	}()

	return server.Run(ctx)
}

// checkConfig は起動せずに設定を検証し、ルートテーブルを出力する。
func checkConfig(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var errs []error
	table, err := cfg.RouteTable()
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, e := range table.Entries() {
			fmt.Fprintf(out, "/%s -> %s\n", e.Prefix, e.UpstreamBaseURL)
		}
	}
	if _, err := cfg.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.TokenValidator(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	fmt.Fprintln(out, "設定は有効です")
	return nil
}
