// Package accounts registers users, checks passwords and keeps the login in a signed cookie
// session. Every successful registration or login makes sure the user has an ink account.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/astromechza/livedraw/pkg/clock"
	"github.com/astromechza/livedraw/pkg/database"
	"github.com/astromechza/livedraw/pkg/ink"
)

const SessionName = "livedraw-session"

const (
	minPasswordLength = 8
	// bcrypt ignores anything past 72 bytes, so longer passwords are refused outright.
	maxPasswordLength = 72

	keyUserID   = "user_id"
	keyUsername = "username"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidUsername    = errors.New("username must be 3-150 characters of letters, digits and @.+-_")
	ErrInvalidPassword    = errors.New("password must be 8-72 bytes")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9@.+_-]{3,150}$`)

type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// InkAccounts is the ledger call made on registration and login.
type InkAccounts interface {
	Open(ctx context.Context, userID string) (ink.Entry, error)
}

type Service struct {
	database *sql.DB
	ink      InkAccounts
	store    sessions.Store
	clock    clock.Clock
	logger   *slog.Logger

	// dummyHash is compared against when the username does not exist, so both failure paths
	// cost one bcrypt comparison.
	dummyHash []byte
}

func New(db *sql.DB, inkAccounts InkAccounts, store sessions.Store, clk clock.Clock, logger *slog.Logger) (*Service, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hashing: %w", err)
	}
	return &Service{database: db, ink: inkAccounts, store: store, clock: clk, logger: logger, dummyHash: dummy}, nil
}

// NewCookieStore builds the session cookie store. key authenticates the cookie contents.
func NewCookieStore(key []byte, secure bool, maxAge time.Duration) *sessions.CookieStore {
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

func validate(username, password string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return ErrInvalidPassword
	}
	return nil
}

// Register creates a user and their ink account. Usernames are unique regardless of case.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	if err := validate(username, password); err != nil {
		return User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("failed to hash password: %w", err)
	}
	user := User{ID: uuid.NewString(), Username: username, CreatedAt: s.clock.Now().UTC().Truncate(time.Microsecond)}
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, string(hash), database.Micros(user.CreatedAt),
	); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	if _, err := s.ink.Open(ctx, user.ID); err != nil {
		return User{}, fmt.Errorf("failed to open ink account: %w", err)
	}
	s.logger.Info("user registered", "user", user.ID, "username", user.Username)
	return user, nil
}

// Authenticate checks a username and password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	var user User
	var hash string
	var created int64
	err := s.database.QueryRowContext(
		ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&user.ID, &user.Username, &hash, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	case err != nil:
		return User{}, fmt.Errorf("failed to look up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	user.CreatedAt = database.FromMicros(created)
	if _, err := s.ink.Open(ctx, user.ID); err != nil {
		return User{}, fmt.Errorf("failed to open ink account: %w", err)
	}
	return user, nil
}

// Login stores the user in the session cookie.
func (s *Service) Login(w http.ResponseWriter, r *http.Request, user User) error {
	session, err := s.store.New(r, SessionName)
	if session == nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.Values[keyUserID] = user.ID
	session.Values[keyUsername] = user.Username
	if err := s.store.Save(r, w, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	s.logger.Info("user logged in", "user", user.ID)
	return nil
}

// Logout expires the session cookie.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) error {
	session, err := s.store.Get(r, SessionName)
	if session == nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	session.Values = map[any]any{}
	session.Options.MaxAge = -1
	if err := s.store.Save(r, w, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// CurrentUser returns the logged in user. A missing, expired or tampered cookie is not an error:
// the request is simply anonymous.
func (s *Service) CurrentUser(r *http.Request) (User, bool) {
	session, err := s.store.Get(r, SessionName)
	if err != nil || session == nil {
		return User{}, false
	}
	id, _ := session.Values[keyUserID].(string)
	name, _ := session.Values[keyUsername].(string)
	if id == "" {
		return User{}, false
	}
	return User{ID: id, Username: name}, true
}
