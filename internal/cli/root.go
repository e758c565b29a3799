// Package cli is the smc-predict command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raine/smc-predict/internal/api"
	"github.com/raine/smc-predict/internal/app"
	"github.com/raine/smc-predict/internal/config"
	"github.com/raine/smc-predict/internal/storage"
)

// env is shared by every command. It is filled in by the root command's
// PersistentPreRunE.
type env struct {
	cfg    *config.Config
	apiURL string

	// interactive overrides terminal detection in tests
	interactive func() bool
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&env{interactive: isInteractiveTerminal})
}

func newRootCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smc-predict",
		Short: "Chart signal predictions from the command line",
		Long: `smc-predict uploads market chart screenshots to a prediction API and shows
the predicted signal (BUY, SELL or NEUTRAL) with its confidence.

Log in to keep a history of your uploads. The session token is stored
encrypted in a local SQLite database.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if e.apiURL != "" {
				cfg.APIURL = e.apiURL
			}
			zerolog.SetGlobalLevel(cfg.LogLevel)
			e.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&e.apiURL, "api-url", "", "prediction API base URL (default $"+config.EnvAPIURL+" or "+config.DefaultAPIURL+")")

	cmd.AddCommand(
		newRegisterCmd(e),
		newLoginCmd(e),
		newLogoutCmd(e),
		newStatusCmd(e),
		newPredictCmd(e),
		newHistoryCmd(e),
		newShellCmd(e),
		newServeCmd(e),
	)

	return cmd
}

// isInteractiveTerminal returns true if both stdin and stdout are TTYs.
func isInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// openStore opens the encrypted token store, creating the passphrase on
// first use.
func (e *env) openStore() (*storage.SQLiteStore, error) {
	if err := config.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := e.cfg.EnsureStorageKey(); err != nil {
		return nil, err
	}
	key, err := storage.DeriveKey(e.cfg.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	store, err := storage.NewSQLiteStore(e.cfg.DBPath, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	log.Debug().Str("dbPath", e.cfg.DBPath).Msg("state store opened")
	return store, nil
}

// openController wires a controller to the configured API and token store.
// The returned func closes both.
func (e *env) openController(onChange func(app.State)) (*app.Controller, func(), error) {
	store, err := e.openStore()
	if err != nil {
		return nil, nil, err
	}

	ctrl, err := e.newController(store, onChange)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return ctrl, func() {
		if err := ctrl.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close controller")
		}
		store.Close()
	}, nil
}

func (e *env) newController(store storage.LocalStorage, onChange func(app.State)) (*app.Controller, error) {
	client := api.NewClient(api.ClientOpts{BaseURL: e.cfg.APIURL, Timeout: e.cfg.RequestTimeout})
	return app.New(app.Options{Backend: client, Storage: store, OnChange: onChange})
}

// failure turns an operation error into the message the user sees.
func failure(op string, err error) error {
	return fmt.Errorf("%s failed: %s", op, api.UserMessage(err))
}

func withContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
