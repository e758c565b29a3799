package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/raine/smc-predict/internal/backend"
	"github.com/raine/smc-predict/internal/llm"
)

const (
	shutdownTimeout = 5 * time.Second
	janitorInterval = time.Hour
)

func newServeCmd(e *env) *cobra.Command {
	var addr string
	var dataDir string
	var useGemini bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference prediction API",
		Long: `Runs a local prediction API with the same routes the client uses:
register, login, predict, history and the uploaded/annotated file routes.

Charts are classified at random unless --gemini is set and GEMINI_API_KEY is
configured, in which case Gemini classifies them and random is the fallback.`,
		Example: `  smc-predict serve
  smc-predict serve --addr :9000 --data-dir /var/lib/smc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = e.cfg.ListenAddr
			}
			if dataDir == "" {
				dataDir = e.cfg.DataDir
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}

			ctx := withContext(cmd)
			store, err := backend.NewStore(filepath.Join(dataDir, "backend.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			classifier, name, err := buildClassifier(ctx, e, useGemini, store)
			if err != nil {
				return err
			}

			srv, err := backend.NewServer(backend.Options{Store: store, Classifier: classifier, DataDir: dataDir})
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), noticeStyle.Render(formatMessage(serveStartedText, ln.Addr(), dataDir, name)))

			return serve(ctx, ln, srv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $SMC_LISTEN_ADDR or :8000)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the database and images (default $SMC_DATA_DIR or ./data)")
	cmd.Flags().BoolVar(&useGemini, "gemini", false, "classify charts with Gemini (needs GEMINI_API_KEY)")
	return cmd
}

func buildClassifier(ctx context.Context, e *env, useGemini bool, store *backend.Store) (llm.Classifier, string, error) {
	random := llm.NewRandomClassifier(0)
	if !useGemini {
		return random, "random", nil
	}
	if e.cfg.GeminiAPIKey == "" {
		return nil, "", fmt.Errorf("--gemini needs GEMINI_API_KEY")
	}

	gemini, err := llm.NewGeminiClassifier(ctx, e.cfg.GeminiAPIKey)
	if err != nil {
		return nil, "", err
	}
	log.Info().Msg("gemini chart classifier initialized")

	cached := llm.NewCachedClassifier(gemini, store)
	return &llm.FallbackClassifier{Primary: cached, Fallback: random}, "gemini (cached, random fallback)", nil
}

// serve runs the HTTP server and the session janitor until ctx is cancelled,
// then shuts the server down gracefully.
func serve(ctx context.Context, ln net.Listener, srv *backend.Server) error {
	httpServer := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("prediction api listening")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return srv.RunJanitor(ctx, janitorInterval)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
			return err
		}
		log.Info().Msg("server stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
