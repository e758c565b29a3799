package cli

import (
	"fmt"
	"strings"

	"github.com/lithammer/dedent"
)

func formatMessage(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

const shellHelpText = `
	Commands:
	  select <path>               choose a chart image
	  predict                     upload the selected chart
	  save <path>                 download the annotated chart of the last result
	  history                     reload your upload history
	  register <email> <password> create an account
	  login <email> <password>    log in
	  logout                      log out
	  reset                       clear the selection and result
	  status                      show the current state
	  help                        show this help
	  quit                        exit
`

const loggedInText = `
	Logged in as %s.
	Your uploads are now recorded in your history.
`

const notLoggedInText = `
	Not logged in.
	Run "smc-predict login" to keep a history of your uploads.
`

const serveStartedText = `
	Prediction API listening on %s
	Data directory: %s
	Classifier: %s
`
