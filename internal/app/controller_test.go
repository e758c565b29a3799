package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/smc-predict/internal/api"
	"github.com/raine/smc-predict/internal/preview"
	"github.com/raine/smc-predict/internal/storage"
)

func chartPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 4))))
	return buf.Bytes()
}

func chartFile(t *testing.T, name string) api.File {
	return api.File{Name: name, ContentType: "image/png", Data: chartPNG(t)}
}

type fixture struct {
	ctrl     *Controller
	backend  *api.MockBackend
	store    *storage.MemoryStore
	previews *preview.Registry
}

func newFixture(t *testing.T, backend *api.MockBackend, store *storage.MemoryStore) *fixture {
	t.Helper()
	if backend == nil {
		backend = &api.MockBackend{}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	previews, err := preview.NewRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { previews.Close() })

	ctrl, err := New(Options{Backend: backend, Storage: store, Previews: previews})
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })

	return &fixture{ctrl: ctrl, backend: backend, store: store, previews: previews}
}

func loggedInStore(t *testing.T, token string) *storage.MemoryStore {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(storage.TokenKey, token))
	return store
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNew_RestoresToken(t *testing.T) {
	f := newFixture(t, nil, loggedInStore(t, "tok-1"))

	s := f.ctrl.State()
	assert.Equal(t, "tok-1", s.Token)
	assert.Equal(t, PhaseAuthenticated, s.Phase())
	assert.Zero(t, f.backend.TotalCalls())
}

func TestSelectFile_ClearsResultAndError(t *testing.T) {
	backend := &api.MockBackend{
		PredictFunc: func(ctx context.Context, token string, file api.File) (*api.Prediction, error) {
			return &api.Prediction{Prediction: "BUY", Confidence: 0.9}, nil
		},
	}
	f := newFixture(t, backend, nil)

	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))
	_, err := f.ctrl.Predict(context.Background())
	require.NoError(t, err)
	require.NotNil(t, f.ctrl.State().Result)

	first := f.ctrl.State().Preview
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "b.png")))

	s := f.ctrl.State()
	assert.Nil(t, s.Result)
	assert.Empty(t, s.Err)
	require.NotNil(t, s.File)
	assert.Equal(t, "b.png", s.File.Name)
	require.NotNil(t, s.Preview)
	assert.NotEqual(t, first.ID, s.Preview.ID)
	assert.Equal(t, 8, s.Preview.Width)
	assert.NoFileExists(t, first.Path)
	assert.Equal(t, 1, f.previews.Outstanding())
}

func TestSelectPath(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, os.WriteFile(path, chartPNG(t), 0600))

	require.NoError(t, f.ctrl.SelectPath(path))
	s := f.ctrl.State()
	require.NotNil(t, s.File)
	assert.Equal(t, "chart.png", s.File.Name)
	assert.Equal(t, "image/png", s.File.ContentType)

	assert.Error(t, f.ctrl.SelectPath(filepath.Join(t.TempDir(), "missing.png")))
}

func TestPredict_NoFile(t *testing.T) {
	f := newFixture(t, nil, nil)

	pred, err := f.ctrl.Predict(context.Background())
	assert.ErrorIs(t, err, ErrNoFileSelected)
	assert.Nil(t, pred)
	assert.Equal(t, MsgChooseImage, f.ctrl.State().Err)
	assert.Zero(t, f.backend.TotalCalls())
}

func TestPredict_AnonymousSkipsHistory(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	pred, err := f.ctrl.Predict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NEUTRAL", pred.Prediction)
	assert.Equal(t, 1, f.backend.CallCount("Predict"))
	assert.Zero(t, f.backend.CallCount("History"))

	// Anonymous uploads go without a token
	assert.Equal(t, "", f.backend.Calls[0].Args[0])
}

func TestPredict_AuthenticatedRefreshesHistoryOnce(t *testing.T) {
	uploads := []api.Upload{{ID: 1, OriginalPath: "/api/uploads/a.png", Prediction: "BUY", Confidence: 0.8}}
	backend := &api.MockBackend{
		PredictFunc: func(ctx context.Context, token string, file api.File) (*api.Prediction, error) {
			return &api.Prediction{Prediction: "BUY", Confidence: 0.8, AnnotatedPath: "/api/annotated/annot_a.png"}, nil
		},
		HistoryFunc: func(ctx context.Context, token string) ([]api.Upload, error) {
			return uploads, nil
		},
	}
	f := newFixture(t, backend, loggedInStore(t, "tok-1"))
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	pred, err := f.ctrl.Predict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BUY", pred.Prediction)

	s := f.ctrl.State()
	assert.False(t, s.Busy)
	assert.Empty(t, s.Err)
	assert.Equal(t, pred, s.Result)
	assert.Equal(t, uploads, s.History)
	assert.Equal(t, 1, f.backend.CallCount("History"))
	assert.Equal(t, "tok-1", f.backend.Calls[0].Args[0])
}

func TestPredict_ServerErrorSetsMessage(t *testing.T) {
	backend := &api.MockBackend{
		PredictFunc: func(ctx context.Context, token string, file api.File) (*api.Prediction, error) {
			return nil, &api.StatusError{Method: "POST", Path: api.PathPredict, StatusCode: 500, Body: "model unavailable"}
		},
	}
	f := newFixture(t, backend, loggedInStore(t, "tok-1"))
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	_, err := f.ctrl.Predict(context.Background())
	require.Error(t, err)

	s := f.ctrl.State()
	assert.Equal(t, "model unavailable", s.Err)
	assert.Nil(t, s.Result)
	assert.False(t, s.Busy)
	assert.Zero(t, f.backend.CallCount("History"))
}

func TestPredict_EmptyErrorBodyUsesGenericMessage(t *testing.T) {
	backend := &api.MockBackend{
		PredictFunc: func(ctx context.Context, token string, file api.File) (*api.Prediction, error) {
			return nil, &api.StatusError{StatusCode: 502}
		},
	}
	f := newFixture(t, backend, nil)
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	_, err := f.ctrl.Predict(context.Background())
	require.Error(t, err)
	assert.Equal(t, api.GenericServerError, f.ctrl.State().Err)
}

func TestPredict_HistoryFailureAfterSuccessIsSilent(t *testing.T) {
	backend := &api.MockBackend{
		HistoryFunc: func(ctx context.Context, token string) ([]api.Upload, error) {
			return nil, errors.New("connection refused")
		},
	}
	f := newFixture(t, backend, loggedInStore(t, "tok-1"))
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	_, err := f.ctrl.Predict(context.Background())
	require.NoError(t, err)

	s := f.ctrl.State()
	assert.NotNil(t, s.Result)
	assert.Empty(t, s.Err)
}

func TestPredict_BusyRejectsSecondCall(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &api.MockBackend{
		PredictFunc: func(ctx context.Context, token string, file api.File) (*api.Prediction, error) {
			close(entered)
			<-release
			return &api.Prediction{Prediction: "SELL", Confidence: 0.7}, nil
		},
	}
	f := newFixture(t, backend, nil)
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.ctrl.Predict(context.Background())
		assert.NoError(t, err)
	}()

	<-entered
	assert.True(t, f.ctrl.State().Busy)
	_, err := f.ctrl.Predict(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	wg.Wait()
	assert.False(t, f.ctrl.State().Busy)
	assert.Equal(t, 1, f.backend.CallCount("Predict"))
}

func TestPredict_ReplacedSelectionDiscardsResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &api.MockBackend{
		PredictFunc: func(ctx context.Context, token string, file api.File) (*api.Prediction, error) {
			close(entered)
			<-release
			return &api.Prediction{Prediction: "BUY", Confidence: 0.6}, nil
		},
	}
	f := newFixture(t, backend, loggedInStore(t, "tok-1"))
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	errCh := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Predict(context.Background())
		errCh <- err
	}()

	<-entered
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "b.png")))
	close(release)

	assert.ErrorIs(t, <-errCh, ErrSuperseded)
	s := f.ctrl.State()
	assert.Nil(t, s.Result)
	assert.Equal(t, "b.png", s.File.Name)
	assert.False(t, s.Busy)
	assert.Zero(t, f.backend.CallCount("History"))
}

func TestPredict_ResetDiscardsError(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &api.MockBackend{
		PredictFunc: func(ctx context.Context, token string, file api.File) (*api.Prediction, error) {
			close(entered)
			<-release
			return nil, &api.StatusError{StatusCode: 500, Body: "boom"}
		},
	}
	f := newFixture(t, backend, nil)
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	errCh := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Predict(context.Background())
		errCh <- err
	}()

	<-entered
	f.ctrl.Reset()
	close(release)

	err := <-errCh
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Empty(t, f.ctrl.State().Err)
}

func TestLogin_Success(t *testing.T) {
	uploads := []api.Upload{{ID: 7, Prediction: "SELL", Confidence: 0.55}}
	backend := &api.MockBackend{
		LoginFunc: func(ctx context.Context, creds api.Credentials) (string, error) {
			assert.Equal(t, "a@b.c", creds.Email)
			assert.Equal(t, "pw", creds.Password)
			return "tok-9", nil
		},
		HistoryFunc: func(ctx context.Context, token string) ([]api.Upload, error) {
			assert.Equal(t, "tok-9", token)
			return uploads, nil
		},
	}
	f := newFixture(t, backend, nil)

	require.NoError(t, f.ctrl.SetCredentials("a@b.c", "pw"))
	require.NoError(t, f.ctrl.Login(context.Background()))

	s := f.ctrl.State()
	assert.Equal(t, "tok-9", s.Token)
	assert.Equal(t, uploads, s.History)
	assert.Empty(t, s.Err)
	assert.Empty(t, s.Password)

	stored, err := f.store.Get(storage.TokenKey)
	require.NoError(t, err)
	assert.Equal(t, "tok-9", stored)
	assert.Equal(t, 1, f.backend.CallCount("History"))
}

func TestLogin_Failure(t *testing.T) {
	backend := &api.MockBackend{
		LoginFunc: func(ctx context.Context, creds api.Credentials) (string, error) {
			return "", &api.StatusError{StatusCode: http.StatusUnauthorized, Body: "Invalid credentials"}
		},
	}
	f := newFixture(t, backend, nil)
	require.NoError(t, f.ctrl.SetCredentials("a@b.c", "bad"))

	err := f.ctrl.Login(context.Background())
	require.Error(t, err)

	s := f.ctrl.State()
	assert.Empty(t, s.Token)
	assert.Equal(t, "Invalid credentials", s.Err)
	assert.Equal(t, "a@b.c", s.Email)
	stored, _ := f.store.Get(storage.TokenKey)
	assert.Empty(t, stored)
	assert.Zero(t, f.backend.CallCount("History"))
}

func TestSetCredentials_RejectedWhileLoggedIn(t *testing.T) {
	f := newFixture(t, nil, loggedInStore(t, "tok-1"))
	assert.ErrorIs(t, f.ctrl.SetCredentials("a@b.c", "pw"), ErrAlreadyLoggedIn)
}

func TestLogin_RejectedWhileLoggedIn(t *testing.T) {
	f := newFixture(t, nil, loggedInStore(t, "tok-1"))

	assert.ErrorIs(t, f.ctrl.Login(context.Background()), ErrAlreadyLoggedIn)
	assert.Zero(t, f.backend.CallCount("Login"))
	assert.Equal(t, "tok-1", f.ctrl.State().Token)
}

func TestRegister(t *testing.T) {
	t.Run("success leaves user logged out", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		require.NoError(t, f.ctrl.SetCredentials("a@b.c", "pw"))
		require.NoError(t, f.ctrl.Register(context.Background()))

		s := f.ctrl.State()
		assert.Equal(t, MsgRegistered, s.Notice)
		assert.Empty(t, s.Token)
		assert.Equal(t, []string{"Register"}, methods(f.backend))
	})

	t.Run("duplicate shows backend text", func(t *testing.T) {
		backend := &api.MockBackend{
			RegisterFunc: func(ctx context.Context, creds api.Credentials) error {
				return &api.StatusError{StatusCode: http.StatusBadRequest, Body: "User exists"}
			},
		}
		f := newFixture(t, backend, nil)
		require.NoError(t, f.ctrl.SetCredentials("a@b.c", "pw"))
		require.Error(t, f.ctrl.Register(context.Background()))

		s := f.ctrl.State()
		assert.Equal(t, "User exists", s.Err)
		assert.Empty(t, s.Notice)
	})
}

func TestLogout_NoNetwork(t *testing.T) {
	backend := &api.MockBackend{
		HistoryFunc: func(ctx context.Context, token string) ([]api.Upload, error) {
			return []api.Upload{{ID: 1}}, nil
		},
	}
	f := newFixture(t, backend, loggedInStore(t, "tok-1"))
	require.NoError(t, f.ctrl.FetchHistory(context.Background(), ReportErrors))
	require.Len(t, f.ctrl.State().History, 1)
	before := f.backend.TotalCalls()

	require.NoError(t, f.ctrl.Logout())

	s := f.ctrl.State()
	assert.Empty(t, s.Token)
	assert.Empty(t, s.History)
	assert.Equal(t, PhaseAnonymous, s.Phase())
	assert.Equal(t, before, f.backend.TotalCalls())
	stored, _ := f.store.Get(storage.TokenKey)
	assert.Empty(t, stored)
}

func TestFetchHistory(t *testing.T) {
	t.Run("requires session", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		assert.ErrorIs(t, f.ctrl.FetchHistory(context.Background(), ReportErrors), ErrNotAuthenticated)
		assert.Zero(t, f.backend.TotalCalls())
	})

	t.Run("silent failure keeps history", func(t *testing.T) {
		fail := false
		backend := &api.MockBackend{
			HistoryFunc: func(ctx context.Context, token string) ([]api.Upload, error) {
				if fail {
					return nil, &api.StatusError{StatusCode: 500, Body: "db down"}
				}
				return []api.Upload{{ID: 3}}, nil
			},
		}
		f := newFixture(t, backend, loggedInStore(t, "tok-1"))
		require.NoError(t, f.ctrl.FetchHistory(context.Background(), SilentErrors))

		fail = true
		require.Error(t, f.ctrl.FetchHistory(context.Background(), SilentErrors))
		s := f.ctrl.State()
		assert.Equal(t, []api.Upload{{ID: 3}}, s.History)
		assert.Empty(t, s.Err)
	})

	t.Run("reported failure sets message", func(t *testing.T) {
		backend := &api.MockBackend{
			HistoryFunc: func(ctx context.Context, token string) ([]api.Upload, error) {
				return nil, &api.StatusError{StatusCode: 401, Body: "Unauthorized"}
			},
		}
		f := newFixture(t, backend, loggedInStore(t, "tok-1"))
		require.Error(t, f.ctrl.FetchHistory(context.Background(), ReportErrors))
		assert.Equal(t, "Unauthorized", f.ctrl.State().Err)
	})
}

func TestFetchHistory_CancelledCallerDoesNotFailOthers(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	backend := &api.MockBackend{
		HistoryFunc: func(ctx context.Context, token string) ([]api.Upload, error) {
			entered <- struct{}{}
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return []api.Upload{{ID: 1}}, nil
		},
	}
	f := newFixture(t, backend, loggedInStore(t, "tok-1"))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() { errA <- f.ctrl.FetchHistory(ctxA, SilentErrors) }()
	<-entered

	errB := make(chan error, 1)
	go func() { errB <- f.ctrl.FetchHistory(context.Background(), ReportErrors) }()
	// Give B time to join the in-flight call
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	close(release)

	require.NoError(t, <-errB)
	s := f.ctrl.State()
	assert.Equal(t, []api.Upload{{ID: 1}}, s.History)
	assert.Empty(t, s.Err)
}

func TestFetchHistory_LateResponseAfterLogoutDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &api.MockBackend{
		HistoryFunc: func(ctx context.Context, token string) ([]api.Upload, error) {
			close(entered)
			<-release
			return []api.Upload{{ID: 1}}, nil
		},
	}
	f := newFixture(t, backend, loggedInStore(t, "tok-1"))

	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.FetchHistory(context.Background(), SilentErrors) }()

	<-entered
	require.NoError(t, f.ctrl.Logout())
	close(release)

	assert.ErrorIs(t, <-errCh, ErrSuperseded)
	assert.Empty(t, f.ctrl.State().History)
}

func TestReset_Idempotent(t *testing.T) {
	f := newFixture(t, nil, loggedInStore(t, "tok-1"))
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))
	_, err := f.ctrl.Predict(context.Background())
	require.NoError(t, err)

	f.ctrl.Reset()
	once := f.ctrl.State()
	f.ctrl.Reset()
	twice := f.ctrl.State()

	assert.Equal(t, once, twice)
	assert.Nil(t, twice.File)
	assert.Nil(t, twice.Preview)
	assert.Nil(t, twice.Result)
	assert.Empty(t, twice.Err)
	assert.Equal(t, "tok-1", twice.Token)
	assert.Zero(t, f.previews.Outstanding())
}

func TestClose_ReleasesPreviewAndCancels(t *testing.T) {
	backend := &api.MockBackend{
		PredictFunc: func(ctx context.Context, token string, file api.File) (*api.Prediction, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newFixture(t, backend, nil)
	require.NoError(t, f.ctrl.SelectFile(chartFile(t, "a.png")))

	errCh := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Predict(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return f.backend.CallCount("Predict") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.ctrl.Close())

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NotErrorIs(t, err, ErrSuperseded)
	assert.Zero(t, f.previews.Outstanding())

	assert.ErrorIs(t, f.ctrl.SelectFile(chartFile(t, "b.png")), ErrClosed)
	_, err = f.ctrl.Predict(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.ctrl.Logout(), ErrClosed)
	assert.NoError(t, f.ctrl.Close())
}

func TestClose_OwnedRegistryIsRemoved(t *testing.T) {
	ctrl, err := New(Options{Backend: &api.MockBackend{}})
	require.NoError(t, err)
	require.NoError(t, ctrl.SelectFile(chartFile(t, "a.png")))
	path := ctrl.State().Preview.Path

	require.NoError(t, ctrl.Close())
	assert.NoFileExists(t, path)
	assert.NoDirExists(t, filepath.Dir(path))
}

func TestOnChange_ReceivesSnapshots(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	ctrl, err := New(Options{
		Backend: &api.MockBackend{},
		OnChange: func(s State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
		},
	})
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.SelectFile(chartFile(t, "a.png")))
	_, err = ctrl.Predict(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.True(t, seen[1].Busy)
	last := seen[len(seen)-1]
	assert.False(t, last.Busy)
	assert.NotNil(t, last.Result)
}

func TestFetchAnnotated(t *testing.T) {
	backend := &api.MockBackend{
		FetchImageFunc: func(ctx context.Context, path string) ([]byte, error) {
			return []byte("png"), nil
		},
	}
	f := newFixture(t, backend, nil)
	data, err := f.ctrl.FetchAnnotated(context.Background(), "/api/annotated/x.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestErrorPolicyString(t *testing.T) {
	assert.Equal(t, "Silent", SilentErrors.String())
	assert.Equal(t, "Report", ReportErrors.String())
}

func methods(m *api.MockBackend) []string {
	var out []string
	for _, c := range m.Calls {
		out = append(out, c.Method)
	}
	return out
}
