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
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-gallery/internal/config"
	"github.com/example/face-gallery/internal/handlers"
	"github.com/example/face-gallery/internal/logging"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "face-gallery",
	Short: "Face enrollment and verification service",
	Long: `face-gallery keeps a gallery of enrolled face images and answers
whether a probe image matches any of them.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var facesCmd = &cobra.Command{
	Use:   "faces",
	Short: "Inspect the enrolled gallery",
}

var facesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities in enrollment order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		return listFaces(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	facesCmd.AddCommand(facesListCmd)
	rootCmd.AddCommand(serveCmd, facesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	a, err := newApp(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	listener, err := listen(cfg.HTTPAddr)
	if err != nil {
		_ = a.Close()
		logger.Error("listen failed", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
		return err
	}

	r := gin.Default()
	handlers.RegisterRoutes(r, a.usecase, cfg.MaxBodyBytes)
	server := &http.Server{Handler: r}

	logger.Info("face gallery listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("database_driver", cfg.DatabaseDriver),
		zap.String("comparator", cfg.Comparator))
	if err := serve(ctx, server, listener, cfg.ShutdownTimeout, logger, a.Close); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// listFaces reads the identity store directly. It does not take the data
// directory lock, so it works while a server is running.
func listFaces(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.DatabaseDriver == config.DriverMemory {
		return errors.New("faces list needs a persistent DATABASE_DRIVER")
	}
	store, err := openStorage(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.close() //nolint:errcheck

	identities, err := store.identities.ListIdentities(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBLOB KEY\tENROLLED AT")
	for _, identity := range identities {
		fmt.Fprintf(w, "%s\t%s\t%s\n", identity.Name, identity.BlobKey, identity.EnrolledAt.Format(time.RFC3339))
	}
	return w.Flush()
}
