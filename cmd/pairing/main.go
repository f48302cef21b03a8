package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"pairing_engine/internal/catalog"
	"pairing_engine/internal/docstore"
	"pairing_engine/internal/logger"
	"pairing_engine/internal/supervisor"
)

func main() {
	defer logger.Sync()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pairing",
		Short:        "Image pair selection and preference learning service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "configs/server.yaml", "Path to server config file")
	root.PersistentFlags().String("db", "", "Path to the SQLite document store")

	root.AddCommand(newServeCmd(), newImportCmd())
	return root
}

// flagKeys 命令行参数到配置项的映射
var flagKeys = map[string]string{
	"port":    "server.port",
	"debug":   "server.debug",
	"users":   "paths.users",
	"db":      "paths.db",
	"history": "paths.history",
}

// configFromCmd 只有显式设置的参数才覆盖配置文件
func configFromCmd(cmd *cobra.Command) (*Config, error) {
	path, _ := cmd.Flags().GetString("config")
	explicit := cmd.Flags().Changed("config")

	overrides := make(map[string]interface{})
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if name == "debug" {
			v, _ := cmd.Flags().GetBool(name)
			overrides[key] = v
			continue
		}
		overrides[key] = f.Value.String()
	}
	return loadConfig(path, explicit, overrides)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("port", "", "Server port")
	cmd.Flags().Bool("debug", false, "Enable debug logging")
	cmd.Flags().String("users", "", "Path to users.yaml")
	cmd.Flags().String("history", "", "Path to history.jsonl")
	return cmd
}

func serve(ctx context.Context, cfg *Config) error {
	logger.SetDebug(cfg.Server.Debug)
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := setup(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.New("pairing", supervisor.Config{ShutdownTimeout: 10 * time.Second})
	tree.AddAPI(supervisor.NewHTTPService(srv, 10*time.Second))
	tree.AddBackground(a.users)
	tree.AddBackground(supervisor.NewTickerService("maintenance", time.Hour, a.maintain))

	logger.Info("Starting HTTP server on port %s...", cfg.Server.Port)
	err = tree.Serve(ctx)
	logger.Info("Shutting down...")
	for _, name := range tree.Unstopped() {
		logger.Warn("service %s failed to stop within timeout", name)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Supervisor stopped: %v", err)
		return err
	}
	return nil
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <catalog.yaml>",
		Short: "Load images and common pairs into the document store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}

			seed, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			store, err := docstore.NewStore(cfg.Paths.DB)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return catalog.Import(ctx, store, seed)
		},
	}
}
