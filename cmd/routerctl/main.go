package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/savaki/replyrouter/pkg/admin"
	appconfig "github.com/savaki/replyrouter/pkg/config"
	"github.com/savaki/replyrouter/pkg/dynamodb"
	"github.com/savaki/replyrouter/pkg/memstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var (
	debugGlobal   bool
	serveMemory   bool
	serveAddr     string
	exportBot     string
	exportFormat  string
	exportOutput  string
	importBot     string
	importFile    string
	importReplace bool
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:           "routerctl",
	Short:         "replyrouter administration",
	Long:          `routerctl serves the admin API and moves bot rule bundles in and out of storage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API",
	RunE:  runServe,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a bot's rules and templates",
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a bundle into a bot",
	RunE:  runImport,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "routerctl %s (built %s)\n", version, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugGlobal, "debug", "d", false, "debug logging")

	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "keep rules, templates and settings in memory")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default ADMIN_ADDR)")

	exportCmd.Flags().StringVarP(&exportBot, "bot", "b", "", "bot id")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", admin.FormatYAML, "json or yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	_ = exportCmd.MarkFlagRequired("bot")

	importCmd.Flags().StringVarP(&importBot, "bot", "b", "", "bot id")
	importCmd.Flags().StringVar(&importFile, "file", "", "bundle file (.json, .yaml or .yml)")
	importCmd.Flags().BoolVar(&importReplace, "replace", false, "soft-delete existing rules and templates first")
	_ = importCmd.MarkFlagRequired("bot")
	_ = importCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogger(cfg *appconfig.Config) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debugGlobal || cfg.LogLevel == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newService builds the admin service over DynamoDB, or memory when requested
func newService(ctx context.Context, cfg *appconfig.Config, memory bool, logger *zap.Logger) (*admin.Service, error) {
	if memory {
		store := memstore.New()
		return admin.NewService(store, store, store, store, logger), nil
	}

	client, err := dynamodb.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("dynamodb client: %w", err)
	}
	return admin.NewService(
		dynamodb.NewRuleRepository(client, cfg.RulesTable),
		dynamodb.NewTemplateRepository(client, cfg.TemplatesTable),
		dynamodb.NewSettingsRepository(client, cfg.SettingsTable),
		dynamodb.NewConversationRepository(client, cfg.ConversationsTable),
		logger,
	), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	logger := initLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, serveMemory, logger)
	if err != nil {
		return err
	}
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin API is unauthenticated")
	}

	if !debugGlobal {
		gin.SetMode(gin.ReleaseMode)
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.AdminAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           admin.NewRouter(svc, cfg.AdminToken, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", zap.String("addr", addr), zap.Bool("memory", serveMemory), zap.String("version", version))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down admin api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	logger := initLogger(cfg)
	defer logger.Sync()

	ctx := cmd.Context()
	svc, err := newService(ctx, cfg, false, logger)
	if err != nil {
		return err
	}

	bundle, err := svc.Export(ctx, exportBot)
	if err != nil {
		return fmt.Errorf("export %s: %w", exportBot, err)
	}
	data, err := admin.EncodeBundle(bundle, exportFormat)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", exportOutput, err)
	}
	logger.Info("bundle exported",
		zap.String("bot_id", exportBot),
		zap.String("file", exportOutput),
		zap.Int("rules", len(bundle.Rules)),
		zap.Int("templates", len(bundle.Templates)),
	)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	logger := initLogger(cfg)
	defer logger.Sync()

	data, err := readBundle(importFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	bundle, err := admin.DecodeBundle(data, admin.FormatFromName(importFile))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := newService(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	result, err := svc.Import(ctx, importBot, bundle, importReplace)
	if err != nil {
		return fmt.Errorf("import %s: %w", importBot, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "rules: %d created, %d updated, %d deleted\ntemplates: %d created, %d updated, %d deleted\n",
		result.RulesCreated, result.RulesUpdated, result.RulesDeleted,
		result.TemplatesCreated, result.TemplatesUpdated, result.TemplatesDeleted)
	return nil
}

// readBundle reads path, or stdin when path is "-"
func readBundle(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
