package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/tsudoi/internal/middleware"
	"github.com/hitoshi/tsudoi/internal/model"
	"github.com/hitoshi/tsudoi/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーの退会処理を実行する。
	// セッションを削除してからユーザーを削除する。identitiesとfavoritesはカスケードで消える。
	Withdraw(ctx context.Context, userID string) error
	// Merge はmergeIDのユーザーをkeepIDのユーザーに統合する。
	Merge(ctx context.Context, keepID, mergeID string) (*model.MergeResult, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	cookie  middleware.SessionConfig
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, cookie middleware.SessionConfig) *UserHandler {
	return &UserHandler{
		service: service,
		cookie:  cookie,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			middleware.WriteAPIError(w, model.NewUserNotFoundError())
			return
		}
		handleServiceError(w, err)
		return
	}

	middleware.ClearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

type mergeRequest struct {
	KeepUserID  string `json:"keepUserId"`
	MergeUserID string `json:"mergeUserId"`
}

// Merge は2つのユーザーアカウントを統合する。super_adminのみ。
// POST /api/admin/users/merge
func (h *UserHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("invalid JSON body"))
		return
	}
	if req.KeepUserID == "" || req.MergeUserID == "" {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("keepUserId and mergeUserId are required"))
		return
	}
	if !isUUID(req.KeepUserID) || !isUUID(req.MergeUserID) {
		middleware.WriteAPIError(w, model.NewInvalidRequestError("keepUserId and mergeUserId must be UUIDs"))
		return
	}

	result, err := h.service.Merge(r.Context(), req.KeepUserID, req.MergeUserID)
	switch {
	case err == nil:
	case errors.Is(err, user.ErrSameUser):
		middleware.WriteAPIError(w, model.NewMergeSameUserError())
		return
	case errors.Is(err, user.ErrUserNotFound):
		middleware.WriteAPIError(w, model.NewUserNotFoundError())
		return
	default:
		handleServiceError(w, err)
		return
	}

	actorID, _ := middleware.UserIDFromContext(r.Context())
	slog.Info("accounts merged via admin API",
		slog.String("actor_id", actorID),
		slog.String("keep_user_id", result.KeepUserID),
		slog.String("merged_user_id", result.MergedUserID),
	)
	writeJSON(w, http.StatusOK, result)
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
