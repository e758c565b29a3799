package app

import (
	"slices"

	"github.com/raine/smc-predict/internal/api"
	"github.com/raine/smc-predict/internal/preview"
)

const (
	MsgChooseImage = "Choose an image first."
	MsgRegistered  = "Registered. Please log in."
)

// Phase is the session-level state.
type Phase int

const (
	PhaseAnonymous Phase = iota
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseAnonymous:
		return "Anonymous"
	case PhaseAuthenticated:
		return "Authenticated"
	default:
		return "Unknown"
	}
}

// State is everything the client shows. Transitions below never mutate their
// input; they return the next state.
type State struct {
	Token   string
	File    *api.File
	Preview *preview.Handle
	Result  *api.Prediction
	History []api.Upload
	Err     string
	Notice  string
	Busy    bool

	// Credentials draft, only held while logged out
	Email    string
	Password string
}

// Phase reports whether a session token is present.
func (s State) Phase() Phase {
	if s.Token != "" {
		return PhaseAuthenticated
	}
	return PhaseAnonymous
}

// Clone returns a copy that shares no slices with s.
func (s State) Clone() State {
	s.History = slices.Clone(s.History)
	return s
}

// OnFileSelected replaces the selected file and its preview and clears the
// last result and messages.
func OnFileSelected(s State, file *api.File, h *preview.Handle) State {
	s.File = file
	s.Preview = h
	s.Result = nil
	s.Err = ""
	s.Notice = ""
	return s
}

// OnActionStarted clears the messages left by a previous operation.
func OnActionStarted(s State) State {
	s.Err = ""
	s.Notice = ""
	return s
}

func OnPredictStarted(s State) State {
	s = OnActionStarted(s)
	s.Busy = true
	s.Result = nil
	return s
}

func OnPredictSucceeded(s State, pred *api.Prediction) State {
	s.Result = pred
	return s
}

func OnPredictFinished(s State) State {
	s.Busy = false
	return s
}

// OnFailure writes msg to the single error slot, replacing any prior message.
func OnFailure(s State, msg string) State {
	s.Err = msg
	return s
}

// OnHistoryLoaded replaces the history wholesale.
func OnHistoryLoaded(s State, uploads []api.Upload) State {
	s.History = uploads
	return s
}

func OnCredentials(s State, email, password string) State {
	s.Email = email
	s.Password = password
	return s
}

func OnRegistered(s State) State {
	s.Err = ""
	s.Notice = MsgRegistered
	return s
}

// OnLoggedIn starts a session and drops the credentials draft.
func OnLoggedIn(s State, token string) State {
	s.Token = token
	s.Err = ""
	s.Email = ""
	s.Password = ""
	return s
}

// OnLoggedOut ends the session. History goes with it.
func OnLoggedOut(s State) State {
	s.Token = ""
	s.History = nil
	return s
}

// OnReset clears the selection, preview, result and error.
func OnReset(s State) State {
	s.File = nil
	s.Preview = nil
	s.Result = nil
	s.Err = ""
	return s
}
