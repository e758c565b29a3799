package cli

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/raine/smc-predict/internal/app"
	"github.com/raine/smc-predict/internal/storage"
)

type credentialFlags struct {
	email    string
	password string
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "account password (prompted when omitted in a terminal)")
}

// resolve prompts for whatever is missing when running in a terminal.
// Outside a terminal the values are sent as given and the server decides.
func (f *credentialFlags) resolve(e *env, title string) error {
	if (f.email != "" && f.password != "") || !e.interactive() {
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description("Email").
				Value(&f.email),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&f.password),
		),
	).WithTheme(huh.ThemeBase16())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("cancelled")
		}
		return err
	}
	return nil
}

func newRegisterCmd(e *env) *cobra.Command {
	var creds credentialFlags

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Example: `  smc-predict register --email me@example.com
  smc-predict register -e me@example.com -p secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.resolve(e, "Create an account"); err != nil {
				return err
			}
			ctrl, closeFn, err := e.openController(nil)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := ctrl.SetCredentials(creds.email, creds.password); err != nil {
				if errors.Is(err, app.ErrAlreadyLoggedIn) {
					return fmt.Errorf("already logged in, run logout first")
				}
				return err
			}
			if err := ctrl.Register(withContext(cmd)); err != nil {
				return failure("register", err)
			}
			renderMessages(cmd.OutOrStdout(), ctrl.State())
			return nil
		},
	}
	creds.register(cmd)
	return cmd
}

func newLoginCmd(e *env) *cobra.Command {
	var creds credentialFlags

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the session",
		Long: `Log in with an email and password. The session token is stored encrypted
and used by later commands until you log out. Logging in while a session
exists replaces it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.resolve(e, "Log in"); err != nil {
				return err
			}
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			// The stored session is only replaced once the new login succeeds.
			ctrl, err := e.newController(storage.NewMemoryStore(), nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.SetCredentials(creds.email, creds.password); err != nil {
				return err
			}
			if err := ctrl.Login(withContext(cmd)); err != nil {
				return failure("login", err)
			}
			if err := store.Set(storage.TokenKey, ctrl.State().Token); err != nil {
				return fmt.Errorf("failed to persist session token: %w", err)
			}

			s := ctrl.State()
			fmt.Fprintln(cmd.OutOrStdout(), noticeStyle.Render(formatMessage(loggedInText, creds.email)))
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("%d uploads in history", len(s.History))))
			return nil
		},
	}
	creds.register(cmd)
	return cmd
}

func newLogoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeFn, err := e.openController(nil)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := ctrl.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

func newStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a session is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeFn, err := e.openController(nil)
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			if ctrl.State().Phase() == app.PhaseAuthenticated {
				fmt.Fprintln(out, noticeStyle.Render("Logged in"))
			} else {
				fmt.Fprintln(out, formatMessage(notLoggedInText))
			}
			fmt.Fprintln(out, dimStyle.Render("API: "+e.cfg.APIURL))
			return nil
		},
	}
}
