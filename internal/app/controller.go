// Package app holds the client state container and the controller that
// drives it: file selection, predict, history, register, login, logout and
// reset.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/raine/smc-predict/internal/api"
	"github.com/raine/smc-predict/internal/preview"
	"github.com/raine/smc-predict/internal/storage"
)

var (
	ErrNoFileSelected   = errors.New("no file selected")
	ErrBusy             = errors.New("an upload is already in progress")
	ErrNotAuthenticated = errors.New("not logged in")
	ErrAlreadyLoggedIn  = errors.New("already logged in")
	ErrClosed           = errors.New("controller closed")
	ErrSuperseded       = errors.New("result discarded: state changed while the request was in flight")
)

// ErrorPolicy decides whether a failed call is shown to the user.
type ErrorPolicy int

const (
	// SilentErrors logs failures and leaves the error slot alone.
	SilentErrors ErrorPolicy = iota
	// ReportErrors also writes the failure to the error slot.
	ReportErrors
)

func (p ErrorPolicy) String() string {
	switch p {
	case SilentErrors:
		return "Silent"
	case ReportErrors:
		return "Report"
	default:
		return "Unknown"
	}
}

// Options configures a Controller.
type Options struct {
	Backend api.Backend
	Storage storage.LocalStorage
	// Previews is optional. Without it the controller creates a private
	// registry in a temporary directory and closes it on Close.
	Previews *preview.Registry
	// OnChange, if set, receives a snapshot after every state transition.
	// It is called without any lock held.
	OnChange func(State)
}

// Controller owns the client state.
//
// Threading model:
//   - Every state change is a pure transition applied under mu
//   - Network calls run without the lock, on a context that is cancelled when
//     the controller is closed
//   - selection and session are epochs: a response is only applied if the
//     epoch it was issued under is still current
type Controller struct {
	backend      api.Backend
	storage      storage.LocalStorage
	previews     *preview.Registry
	ownsPreviews bool
	onChange     func(State)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	selection uint64
	session   uint64
	closed    bool

	historyCalls singleflight.Group
}

// New creates a controller and restores a persisted session token.
func New(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemoryStore()
	}

	c := &Controller{
		backend:  opts.Backend,
		storage:  opts.Storage,
		previews: opts.Previews,
		onChange: opts.OnChange,
	}
	if c.previews == nil {
		reg, err := preview.NewRegistry("")
		if err != nil {
			return nil, err
		}
		c.previews = reg
		c.ownsPreviews = true
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	token, err := c.storage.Get(storage.TokenKey)
	if err != nil {
		log.Warn().Err(err).Msg("failed to restore session token")
	} else if token != "" {
		c.state.Token = token
		log.Debug().Msg("restored session token")
	}

	return c, nil
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// apply runs fn under the lock if the controller is open and guard (also
// evaluated under the lock) allows it. Reports whether fn was applied.
func (c *Controller) apply(guard func() bool, fn func(State) State) bool {
	c.mu.Lock()
	if c.closed || (guard != nil && !guard()) {
		c.mu.Unlock()
		return false
	}
	c.state = fn(c.state)
	snap := c.state.Clone()
	c.mu.Unlock()

	c.notify(snap)
	return true
}

func (c *Controller) update(fn func(State) State) bool {
	return c.apply(nil, fn)
}

func (c *Controller) notify(snap State) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}

// requestContext derives a context for one network call that is also
// cancelled when the controller is closed.
func (c *Controller) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// sharedContext is the context for a call joined by several callers. It keeps
// ctx's values but is only cancelled when the controller is closed, so one
// caller giving up does not fail the others.
func (c *Controller) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return c.requestContext(context.WithoutCancel(ctx))
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// discarded is returned when a response could not be applied. err, if set,
// is the call's own failure.
func (c *Controller) discarded(err error) error {
	reason := ErrSuperseded
	if c.isClosed() {
		reason = ErrClosed
	}
	if err == nil {
		return reason
	}
	return fmt.Errorf("%w: %w", reason, err)
}

func (c *Controller) selectionIs(epoch uint64) func() bool {
	return func() bool { return c.selection == epoch }
}

func (c *Controller) sessionIs(epoch uint64) func() bool {
	return func() bool { return c.session == epoch }
}

// SelectFile makes file the current selection with a fresh preview. The
// previous preview is released.
func (c *Controller) SelectFile(file api.File) error {
	h, err := c.previews.Acquire(file.Name, file.Data)
	if err != nil {
		if errors.Is(err, preview.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to create preview: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.Release()
		return ErrClosed
	}
	prev := c.state.Preview
	c.selection++
	c.state = OnFileSelected(c.state, &file, h)
	snap := c.state.Clone()
	c.mu.Unlock()

	prev.Release()
	c.notify(snap)
	log.Info().Str("file", file.Name).Int("size", file.Size()).Str("contentType", file.ContentType).Msg("file selected")
	return nil
}

// SelectPath reads path from disk and selects it.
func (c *Controller) SelectPath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.SelectFile(api.File{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	})
}

// Predict uploads the selected file. Only one predict runs at a time.
// With a session, a successful predict refreshes the history once.
func (c *Controller) Predict(ctx context.Context) (*api.Prediction, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.state.Busy:
		c.mu.Unlock()
		return nil, ErrBusy
	case c.state.File == nil:
		c.state = OnFailure(c.state, MsgChooseImage)
		snap := c.state.Clone()
		c.mu.Unlock()
		c.notify(snap)
		return nil, ErrNoFileSelected
	}
	file := *c.state.File
	token := c.state.Token
	sel := c.selection
	c.state = OnPredictStarted(c.state)
	snap := c.state.Clone()
	c.mu.Unlock()
	c.notify(snap)

	defer c.update(OnPredictFinished)

	reqCtx, done := c.requestContext(ctx)
	defer done()

	pred, err := c.backend.Predict(reqCtx, token, file)
	if err != nil {
		log.Warn().Err(err).Str("file", file.Name).Msg("predict failed")
		msg := api.UserMessage(err)
		if !c.apply(c.selectionIs(sel), func(s State) State { return OnFailure(s, msg) }) {
			return nil, c.discarded(err)
		}
		return nil, err
	}

	if !c.apply(c.selectionIs(sel), func(s State) State { return OnPredictSucceeded(s, pred) }) {
		log.Info().Str("file", file.Name).Msg("discarding prediction for a replaced selection")
		return nil, c.discarded(nil)
	}
	log.Info().Str("prediction", pred.Prediction).Float64("confidence", pred.Confidence).Msg("prediction received")

	c.RefreshHistory(ctx)
	return pred, nil
}

// RefreshHistory fetches the history if a session exists. Failures are only
// logged and the current history is kept.
func (c *Controller) RefreshHistory(ctx context.Context) {
	err := c.FetchHistory(ctx, SilentErrors)
	if err != nil && !errors.Is(err, ErrNotAuthenticated) {
		log.Debug().Err(err).Msg("history refresh did not update state")
	}
}

// FetchHistory replaces the history with the backend's. On failure the
// history is left as is; policy decides whether the failure is shown.
func (c *Controller) FetchHistory(ctx context.Context, policy ErrorPolicy) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	token := c.state.Token
	session := c.session
	c.mu.Unlock()

	if token == "" {
		return ErrNotAuthenticated
	}
	if policy == ReportErrors {
		c.update(OnActionStarted)
	}

	ch := c.historyCalls.DoChan(token, func() (any, error) {
		callCtx, done := c.sharedContext(ctx)
		defer done()
		return c.backend.History(callCtx, token)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		log.Debug().Err(ctx.Err()).Msg("stopped waiting for history")
		return ctx.Err()
	}

	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		log.Warn().Err(err).Stringer("policy", policy).Msg("history fetch failed")
		if policy == ReportErrors {
			msg := api.UserMessage(err)
			c.apply(c.sessionIs(session), func(s State) State { return OnFailure(s, msg) })
		}
		return err
	}

	uploads := v.([]api.Upload)
	if !c.apply(c.sessionIs(session), func(s State) State { return OnHistoryLoaded(s, uploads) }) {
		log.Info().Msg("discarding history for an ended session")
		return c.discarded(nil)
	}
	log.Debug().Int("count", len(uploads)).Bool("shared", shared).Msg("history loaded")
	return nil
}

// SetCredentials fills the credentials draft used by Register and Login.
func (c *Controller) SetCredentials(email, password string) error {
	c.mu.Lock()
	loggedIn := c.state.Token != ""
	c.mu.Unlock()
	if loggedIn {
		return ErrAlreadyLoggedIn
	}
	if !c.update(func(s State) State { return OnCredentials(s, email, password) }) {
		return ErrClosed
	}
	return nil
}

func (c *Controller) credentials() (api.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return api.Credentials{}, ErrClosed
	}
	return api.Credentials{Email: c.state.Email, Password: c.state.Password}, nil
}

// Register creates an account from the credentials draft. It does not log in.
func (c *Controller) Register(ctx context.Context) error {
	creds, err := c.credentials()
	if err != nil {
		return err
	}
	c.update(OnActionStarted)

	reqCtx, done := c.requestContext(ctx)
	defer done()

	if err := c.backend.Register(reqCtx, creds); err != nil {
		log.Warn().Err(err).Str("email", creds.Email).Msg("register failed")
		msg := api.UserMessage(err)
		c.update(func(s State) State { return OnFailure(s, msg) })
		return err
	}

	c.update(OnRegistered)
	log.Info().Str("email", creds.Email).Msg("registered")
	return nil
}

// Login exchanges the credentials draft for a session token, persists it and
// refreshes the history. It fails with ErrAlreadyLoggedIn while a session
// exists.
func (c *Controller) Login(ctx context.Context) error {
	creds, err := c.credentials()
	if err != nil {
		return err
	}
	if c.State().Token != "" {
		return ErrAlreadyLoggedIn
	}
	c.update(OnActionStarted)

	reqCtx, done := c.requestContext(ctx)
	defer done()

	token, err := c.backend.Login(reqCtx, creds)
	if err != nil {
		log.Warn().Err(err).Str("email", creds.Email).Msg("login failed")
		msg := api.UserMessage(err)
		c.update(func(s State) State { return OnFailure(s, msg) })
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Token != "" {
		c.mu.Unlock()
		return ErrAlreadyLoggedIn
	}
	c.session++
	c.state = OnLoggedIn(c.state, token)
	snap := c.state.Clone()
	c.mu.Unlock()
	c.notify(snap)

	if err := c.storage.Set(storage.TokenKey, token); err != nil {
		log.Error().Err(err).Msg("failed to persist session token")
	}
	log.Info().Str("email", creds.Email).Msg("logged in")

	c.RefreshHistory(ctx)
	return nil
}

// Logout ends the session locally. No network call is made.
func (c *Controller) Logout() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.session++
	c.state = OnLoggedOut(c.state)
	snap := c.state.Clone()
	c.mu.Unlock()
	c.notify(snap)

	if err := c.storage.Remove(storage.TokenKey); err != nil {
		log.Error().Err(err).Msg("failed to remove persisted session token")
		return err
	}
	log.Info().Msg("logged out")
	return nil
}

// Reset clears the selection, preview, result and error.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.state.Preview
	c.selection++
	c.state = OnReset(c.state)
	snap := c.state.Clone()
	c.mu.Unlock()

	prev.Release()
	c.notify(snap)
}

// FetchAnnotated downloads an image referenced by a result or history record.
func (c *Controller) FetchAnnotated(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	reqCtx, done := c.requestContext(ctx)
	defer done()
	return c.backend.FetchImage(reqCtx, path)
}

// Close cancels in-flight requests and releases the preview. Results that
// arrive afterwards are dropped. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	prev := c.state.Preview
	c.state.Preview = nil
	c.mu.Unlock()

	c.cancel()
	prev.Release()
	if c.ownsPreviews {
		return c.previews.Close()
	}
	return nil
}
