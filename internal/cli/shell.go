package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raine/smc-predict/internal/app"
)

const shellPrompt = "smc> "

func newShellCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session: select, predict, history and more",
		Long: `Starts an interactive session that keeps a selected chart, the last result
and your history in memory between commands. Type "help" for the command list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeFn, err := e.openController(nil)
			if err != nil {
				return err
			}
			defer closeFn()

			sh := &shell{ctrl: ctrl, env: e, out: cmd.OutOrStdout()}
			return sh.run(withContext(cmd), cmd.InOrStdin())
		},
	}
}

type shell struct {
	ctrl *app.Controller
	env  *env
	out  io.Writer
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	if sh.ctrl.State().Phase() == app.PhaseAuthenticated {
		sh.ctrl.RefreshHistory(ctx)
	}
	fmt.Fprintln(sh.out, titleStyle.Render("smc-predict shell")+dimStyle.Render(` (type "help")`))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(sh.out, shellPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(sh.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		quit, err := sh.exec(ctx, fields[0], fields[1:])
		if err != nil {
			fmt.Fprintln(sh.out, errorStyle.Render(err.Error()))
		}
		if quit {
			return nil
		}
	}
}

// exec runs one shell command. Operation failures are already in the state's
// error slot and are rendered from there; err is only for usage problems.
func (sh *shell) exec(ctx context.Context, name string, args []string) (quit bool, err error) {
	switch name {
	case "quit", "exit":
		return true, nil

	case "help":
		fmt.Fprintln(sh.out, formatMessage(shellHelpText))

	case "select":
		if len(args) != 1 {
			return false, errors.New("usage: select <path>")
		}
		if err := sh.ctrl.SelectPath(args[0]); err != nil {
			return false, err
		}
		renderState(sh.out, sh.ctrl.State())

	case "predict":
		if _, err := sh.ctrl.Predict(ctx); errors.Is(err, app.ErrBusy) {
			return false, err
		}
		renderState(sh.out, sh.ctrl.State())

	case "save":
		if len(args) != 1 {
			return false, errors.New("usage: save <path>")
		}
		res := sh.ctrl.State().Result
		if res == nil || res.AnnotatedPath == "" {
			return false, errors.New("no annotated image to save")
		}
		data, err := sh.ctrl.FetchAnnotated(ctx, res.AnnotatedPath)
		if err != nil {
			return false, failure("download", err)
		}
		if err := os.WriteFile(args[0], data, 0644); err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, dimStyle.Render("Saved "+args[0]))

	case "history":
		if err := sh.ctrl.FetchHistory(ctx, app.ReportErrors); errors.Is(err, app.ErrNotAuthenticated) {
			return false, errors.New("log in to see your history")
		}
		s := sh.ctrl.State()
		renderMessages(sh.out, s)
		if s.Err == "" {
			renderHistory(sh.out, s.History)
		}

	case "register", "login":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: %s <email> <password>", name)
		}
		if err := sh.ctrl.SetCredentials(args[0], args[1]); err != nil {
			return false, err
		}
		if name == "register" {
			_ = sh.ctrl.Register(ctx)
			renderMessages(sh.out, sh.ctrl.State())
			return false, nil
		}
		if err := sh.ctrl.Login(ctx); err != nil {
			renderMessages(sh.out, sh.ctrl.State())
			return false, nil
		}
		fmt.Fprintln(sh.out, noticeStyle.Render(formatMessage(loggedInText, args[0])))

	case "logout":
		if err := sh.ctrl.Logout(); err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, "Logged out.")

	case "reset":
		sh.ctrl.Reset()
		fmt.Fprintln(sh.out, dimStyle.Render("Cleared."))

	case "status":
		renderState(sh.out, sh.ctrl.State())
		fmt.Fprintln(sh.out, dimStyle.Render("API: "+sh.env.cfg.APIURL))

	default:
		return false, fmt.Errorf("unknown command %q, type help", name)
	}
	return false, nil
}
