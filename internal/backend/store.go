package backend

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/raine/smc-predict/internal/llm"
)

var (
	ErrUserExists   = errors.New("user exists")
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// UploadRecord is one row of the uploads table.
type UploadRecord struct {
	ID            int64
	UserEmail     string
	OriginalPath  string
	AnnotatedPath string
	Prediction    string
	Confidence    float64
	CreatedAt     time.Time
}

// Store is the backend's SQLite database: users, sessions, uploads and the
// classification cache.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ llm.CacheStore = (*Store)(nil)

// NewStore opens (or creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		hashed_password TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_email TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS uploads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_email TEXT NOT NULL,
		original_path TEXT NOT NULL,
		annotated_path TEXT,
		prediction TEXT NOT NULL,
		confidence REAL NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_user ON uploads(user_email);

	CREATE TABLE IF NOT EXISTS classification_cache (
		image_hash TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		confidence REAL NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser adds a user with an already hashed password.
func (s *Store) CreateUser(email, hashedPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO users (email, hashed_password, created_at) VALUES (?, ?, ?)`,
		email, hashedPassword, time.Now().UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// PasswordHash returns the stored hash for email.
func (s *Store) PasswordHash(email string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash string
	err := s.db.QueryRow(`SELECT hashed_password FROM users WHERE email = ?`, email).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}
	return hash, nil
}

// CreateSession issues a new opaque token for email valid for ttl.
func (s *Store) CreateSession(email string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO sessions (token, user_email, expires_at) VALUES (?, ?, ?)`,
		token, email, time.Now().Add(ttl).UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return token, nil
}

// SessionUser resolves a token to its user's email.
func (s *Store) SessionUser(token string, now time.Time) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var email string
	var expiresAt int64
	err := s.db.QueryRow(
		`SELECT s.user_email, s.expires_at FROM sessions s JOIN users u ON u.email = s.user_email WHERE s.token = ?`,
		token,
	).Scan(&email, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	if now.UnixMilli() >= expiresAt {
		return "", ErrTokenExpired
	}
	return email, nil
}

// DeleteExpiredSessions removes sessions that expired at or before now.
func (s *Store) DeleteExpiredSessions(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return n, nil
}

// AddUpload records a classified upload and returns its id.
func (s *Store) AddUpload(rec UploadRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	annotated := sql.NullString{String: rec.AnnotatedPath, Valid: rec.AnnotatedPath != ""}

	res, err := s.db.Exec(
		`INSERT INTO uploads (user_email, original_path, annotated_path, prediction, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserEmail, rec.OriginalPath, annotated, rec.Prediction, rec.Confidence, rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add upload: %w", err)
	}
	return res.LastInsertId()
}

// ListUploads returns up to limit uploads of email, newest first.
func (s *Store) ListUploads(email string, limit int) ([]UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, user_email, original_path, annotated_path, prediction, confidence, created_at
		FROM uploads WHERE user_email = ? ORDER BY id DESC LIMIT ?`,
		email, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	var uploads []UploadRecord
	for rows.Next() {
		var u UploadRecord
		var annotated sql.NullString
		if err := rows.Scan(&u.ID, &u.UserEmail, &u.OriginalPath, &annotated, &u.Prediction, &u.Confidence, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		u.AnnotatedPath = annotated.String
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// GetClassification returns a cached classification or nil on a miss.
func (s *Store) GetClassification(hash string) (*llm.Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c llm.Classification
	err := s.db.QueryRow(
		`SELECT label, confidence FROM classification_cache WHERE image_hash = ?`, hash,
	).Scan(&c.Label, &c.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached classification: %w", err)
	}
	return &c, nil
}

// SetClassification stores a classification for hash.
func (s *Store) SetClassification(hash string, c *llm.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO classification_cache (image_hash, label, confidence, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(image_hash) DO UPDATE SET
			label = excluded.label,
			confidence = excluded.confidence,
			created_at = excluded.created_at
	`, hash, c.Label, c.Confidence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cache classification: %w", err)
	}
	return nil
}
