// Package backend is a reference implementation of the prediction API the
// client talks to. It is small enough to run locally and in tests.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/raine/smc-predict/internal/api"
	"github.com/raine/smc-predict/internal/llm"
)

const (
	// TokenTTL is how long a login stays valid.
	TokenTTL = 7 * 24 * time.Hour

	// HistoryLimit caps the history response.
	HistoryLimit = 50

	// MaxUploadSize caps the multipart body of a predict call (20MB).
	MaxUploadSize = 20 * 1024 * 1024

	uploadsRoute   = "/api/uploads/"
	annotatedRoute = "/api/annotated/"
)

// Response texts. Clients show these verbatim.
const (
	MsgCredentialsRequired = "email and password required"
	MsgUserExists          = "User exists"
	MsgInvalidCredentials  = "Invalid credentials"
	MsgNotAuthenticated    = "Not authenticated"
	MsgInvalidToken        = "Invalid token"
	MsgTokenExpired        = "Token expired"
	MsgOnlyImages          = "Only images"
	MsgFileRequired        = "file required"
	MsgPredictionFailed    = "Prediction failed"
	MsgInternal            = "Internal server error"
	MsgNotFound            = "Not Found"
)

type Options struct {
	Store      *Store
	Classifier llm.Classifier
	// DataDir holds the uploads/ and annotated/ directories.
	DataDir string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server serves the prediction API.
type Server struct {
	store        *Store
	classifier   llm.Classifier
	uploadDir    string
	annotatedDir string
	now          func() time.Time
}

func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Classifier == nil {
		opts.Classifier = llm.NewRandomClassifier(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		store:        opts.Store,
		classifier:   opts.Classifier,
		uploadDir:    filepath.Join(opts.DataDir, "uploads"),
		annotatedDir: filepath.Join(opts.DataDir, "annotated"),
		now:          opts.Now,
	}
	for _, dir := range []string{s.uploadDir, s.annotatedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Router returns the HTTP handler for every API route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests, mux.CORSMethodMiddleware(r), allowCORS)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusOK, "OK")
	}).Methods(http.MethodGet)
	r.HandleFunc(api.PathRegister, s.handleRegister).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc(api.PathLogin, s.handleLogin).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc(api.PathPredict, s.handlePredict).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc(api.PathHistory, s.handleHistory).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc(uploadsRoute+"{name}", s.serveFrom(s.uploadDir)).Methods(http.MethodGet)
	r.HandleFunc(annotatedRoute+"{name}", s.serveFrom(s.annotatedDir)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusNotFound, MsgNotFound)
	})
	return r
}

// RunJanitor deletes expired sessions every interval until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.store.DeleteExpiredSessions(s.now())
			if err != nil {
				log.Error().Err(err).Msg("failed to delete expired sessions")
				continue
			}
			if n > 0 {
				log.Info().Int64("count", n).Msg("deleted expired sessions")
			}
		}
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func readCredentials(r *http.Request) (email, password string, ok bool) {
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		return "", "", false
	}
	email = req.Email
	if req.Username != "" {
		email = req.Username
	}
	email = strings.TrimSpace(email)
	return email, req.Password, email != "" && req.Password != ""
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	email, password, ok := readCredentials(r)
	if !ok {
		writeText(w, http.StatusBadRequest, MsgCredentialsRequired)
		return
	}

	hash, err := HashPassword(password)
	if err != nil {
		log.Error().Err(err).Msg("failed to hash password")
		writeText(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	if err := s.store.CreateUser(email, hash); err != nil {
		if errors.Is(err, ErrUserExists) {
			writeText(w, http.StatusBadRequest, MsgUserExists)
			return
		}
		log.Error().Err(err).Msg("failed to create user")
		writeText(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	log.Info().Str("email", email).Msg("user registered")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	email, password, ok := readCredentials(r)
	if !ok {
		writeText(w, http.StatusBadRequest, MsgCredentialsRequired)
		return
	}

	hash, err := s.store.PasswordHash(email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		log.Error().Err(err).Msg("failed to look up user")
		writeText(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	if err != nil || !CheckPasswordHash(password, hash) {
		writeText(w, http.StatusUnauthorized, MsgInvalidCredentials)
		return
	}

	token, err := s.store.CreateSession(email, TokenTTL)
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		writeText(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	log.Info().Str("email", email).Msg("user logged in")
	writeJSON(w, http.StatusOK, api.TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// authenticate resolves the bearer token or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeText(w, http.StatusUnauthorized, MsgNotAuthenticated)
		return "", false
	}
	email, err := s.store.SessionUser(token, s.now())
	switch {
	case err == nil:
		return email, true
	case errors.Is(err, ErrTokenExpired):
		writeText(w, http.StatusUnauthorized, MsgTokenExpired)
	case errors.Is(err, ErrInvalidToken):
		writeText(w, http.StatusUnauthorized, MsgInvalidToken)
	default:
		log.Error().Err(err).Msg("failed to resolve session")
		writeText(w, http.StatusInternalServerError, MsgInternal)
	}
	return "", false
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	email, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeText(w, http.StatusBadRequest, MsgFileRequired)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeText(w, http.StatusBadRequest, MsgOnlyImages)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeText(w, http.StatusBadRequest, MsgFileRequired)
		return
	}

	ts := s.now().UTC()
	stamp := ts.Format("20060102T150405") + fmt.Sprintf("%06d", ts.Nanosecond()/1000)
	name := sanitizeFilename(header.Filename)
	savedName := "upload_" + stamp + "_" + name
	if err := os.WriteFile(filepath.Join(s.uploadDir, savedName), data, 0644); err != nil {
		log.Error().Err(err).Msg("failed to save upload")
		writeText(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	savedPath := uploadsRoute + savedName

	c, err := s.classifier.Classify(r.Context(), data, contentType)
	if err != nil {
		log.Error().Err(err).Str("file", savedName).Msg("classification failed")
		writeText(w, http.StatusInternalServerError, MsgPredictionFailed)
		return
	}

	var annotatedPath string
	if annotated, ext, err := Annotate(data, c.Label); err != nil {
		log.Warn().Err(err).Str("file", savedName).Msg("failed to annotate image")
	} else {
		annotatedName := "annot_" + stamp + "_" + strings.TrimSuffix(name, filepath.Ext(name)) + ext
		if err := os.WriteFile(filepath.Join(s.annotatedDir, annotatedName), annotated, 0644); err != nil {
			log.Warn().Err(err).Msg("failed to save annotated image")
		} else {
			annotatedPath = annotatedRoute + annotatedName
		}
	}

	if _, err := s.store.AddUpload(UploadRecord{
		UserEmail:     email,
		OriginalPath:  savedPath,
		AnnotatedPath: annotatedPath,
		Prediction:    c.Label,
		Confidence:    c.Confidence,
		CreatedAt:     ts,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record upload")
		writeText(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	log.Info().
		Str("email", email).
		Str("file", savedName).
		Str("prediction", c.Label).
		Float64("confidence", c.Confidence).
		Str("source", c.Source).
		Msg("chart classified")

	writeJSON(w, http.StatusOK, api.Prediction{
		Prediction:    c.Label,
		Confidence:    c.Confidence,
		SavedPath:     savedPath,
		AnnotatedPath: annotatedPath,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	email, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	records, err := s.store.ListUploads(email, HistoryLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list uploads")
		writeText(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	uploads := make([]api.Upload, 0, len(records))
	for _, rec := range records {
		createdAt := rec.CreatedAt
		uploads = append(uploads, api.Upload{
			ID:            rec.ID,
			OriginalPath:  rec.OriginalPath,
			Prediction:    rec.Prediction,
			Confidence:    rec.Confidence,
			AnnotatedPath: rec.AnnotatedPath,
			CreatedAt:     &createdAt,
		})
	}
	writeJSON(w, http.StatusOK, uploads)
}

func (s *Server) serveFrom(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			writeText(w, http.StatusNotFound, MsgNotFound)
			return
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			writeText(w, http.StatusNotFound, MsgNotFound)
			return
		}
		http.ServeFile(w, r, path)
	}
}

// sanitizeFilename keeps the base name and replaces spaces with underscores.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, " ", "_")
	if name == "." || name == "/" || name == "" {
		return "image"
	}
	return name
}

// writeText writes msg as the whole plain-text body, without a trailing
// newline, so clients can show it as is.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
