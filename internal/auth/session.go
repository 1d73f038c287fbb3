package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tsudoi/internal/model"
	"github.com/hitoshi/tsudoi/internal/repository"
)

// SessionCookieName はセッショントークンを保持するCookie名。
const SessionCookieName = "session_id"

// DefaultSessionMaxAge はセッションの既定の有効期間。
const DefaultSessionMaxAge = 7 * 24 * time.Hour

// SessionRecorder はセッション検証結果を記録する。
type SessionRecorder interface {
	RecordSessionValidation(result string)
}

type nopSessionRecorder struct{}

func (nopSessionRecorder) RecordSessionValidation(string) {}

// SessionManager はセッションの発行、検証、破棄を行う。
type SessionManager struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	maxAge   time.Duration
	recorder SessionRecorder
	now      func() time.Time
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(sessions repository.SessionRepository, users repository.UserRepository, maxAge time.Duration, recorder SessionRecorder) *SessionManager {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	if recorder == nil {
		recorder = nopSessionRecorder{}
	}
	return &SessionManager{
		sessions: sessions,
		users:    users,
		maxAge:   maxAge,
		recorder: recorder,
		now:      time.Now,
	}
}

// MaxAge はセッションの有効期間を返す。Cookieの寿命に使う。
func (m *SessionManager) MaxAge() time.Duration {
	return m.maxAge
}

// Issue は新しいセッションを発行し永続化する。
func (m *SessionManager) Issue(ctx context.Context, userID string) (*model.Session, error) {
	token, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	session := &model.Session{
		ID:        token,
		UserID:    userID,
		ExpiresAt: now.Add(m.maxAge),
		CreatedAt: now,
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// Validate はトークンに対応するユーザーを返す。
// セッションがない、期限切れ、またはユーザーが消えている場合はErrUnauthenticatedを返す。
// 期限切れの行は見つけた時点でベストエフォートで削除する。
func (m *SessionManager) Validate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		m.recorder.RecordSessionValidation("missing")
		return nil, ErrUnauthenticated
	}

	session, err := m.sessions.FindByID(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		m.recorder.RecordSessionValidation("missing")
		return nil, ErrUnauthenticated
	}

	if session.Expired(m.now()) {
		m.recorder.RecordSessionValidation("expired")
		if err := m.sessions.DeleteByID(ctx, session.ID); err != nil {
			slog.Warn("failed to delete expired session",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
		}
		return nil, ErrUnauthenticated
	}

	user, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		m.recorder.RecordSessionValidation("user_missing")
		return nil, ErrUnauthenticated
	}

	m.recorder.RecordSessionValidation("valid")
	return user, nil
}

// Revoke はセッションを削除する。存在しないトークンでもエラーにしない。
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.sessions.DeleteByID(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
