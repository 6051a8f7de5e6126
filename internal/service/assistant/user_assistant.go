package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tontoo/internal/models"

	"golang.org/x/crypto/bcrypt"
)

const maxPersonalPromptLen = 4000

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("username already exists")
)

// Service handles the user accounts behind the relay.
type Service struct {
	db               *sql.DB
	defaultMaxTokens int64
}

// NewService builds a new assistant service. defaultMaxTokens applies when a
// user is created without an explicit cap.
func NewService(db *sql.DB, defaultMaxTokens int64) *Service {
	return &Service{db: db, defaultMaxTokens: defaultMaxTokens}
}

// CreateUser creates a user with a bcrypt password hash and a daily token cap.
func (s *Service) CreateUser(ctx context.Context, username, password string, maxTokens int64) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	if maxTokens < 0 {
		return nil, errors.New("max tokens cannot be negative")
	}
	if maxTokens == 0 {
		maxTokens = s.defaultMaxTokens
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, token_cap, tokens_used_today, personal_prompt, created_at) VALUES (?, ?, ?, 0, '', ?)`,
		username, string(hash), maxTokens, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: string(hash), TokenCap: maxTokens, CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	user, err := s.GetUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

const userColumns = `id, username, password_hash, token_cap, tokens_used_today, personal_prompt, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.TokenCap,
		&user.TokensUsedToday, &user.PersonalPrompt, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser returns the user by id, or sql.ErrNoRows.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetUserByName returns the user by username, or sql.ErrNoRows.
func (s *Service) GetUserByName(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// ListUsers returns every user ordered by name.
func (s *Service) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdatePersonalPrompt stores the text appended to the system prompt for this user.
func (s *Service) UpdatePersonalPrompt(ctx context.Context, id int64, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if len(prompt) > maxPersonalPromptLen {
		return fmt.Errorf("personal prompt longer than %d characters", maxPersonalPromptLen)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET personal_prompt = ? WHERE id = ?`, prompt, id)
	if err != nil {
		return fmt.Errorf("update personal prompt: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
