// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/tsudoi/internal/model"
	"github.com/hitoshi/tsudoi/internal/repository"
)

var (
	// ErrSameUser は統合元と統合先が同じユーザーの場合に返す。
	ErrSameUser = errors.New("keep and merge users are the same")
	// ErrUserNotFound は対象ユーザーが存在しない場合に返す。
	ErrUserNotFound = errors.New("user not found")
)

// MergeRecorder はアカウント統合の結果を記録する。
type MergeRecorder interface {
	RecordMerge(result string)
}

type nopMergeRecorder struct{}

func (nopMergeRecorder) RecordMerge(string) {}

// Service はユーザー管理のサービス層。
// 退会とアカウント統合のビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	accounts    repository.AccountStore
	recorder    MergeRecorder
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	accounts repository.AccountStore,
	recorder MergeRecorder,
) *Service {
	if recorder == nil {
		recorder = nopMergeRecorder{}
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		accounts:    accounts,
		recorder:    recorder,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → user（+ CASCADE: identities, user_favorites）
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)
	return nil
}

// Merge はmergeIDのユーザーをkeepIDのユーザーに統合する。
// 全ての操作は1つのトランザクションで行い、途中で失敗した場合は何も変更しない。
//
// identityはkeep側が同じproviderを持っていればスキップし、そうでなければ付け替える。
// お気に入りはkeep側に同じグループがなければ付け替え、あればmerge側を削除する。
// 最後にmerge側のセッション、残ったidentityとお気に入り、ユーザー行を削除する。
func (s *Service) Merge(ctx context.Context, keepID, mergeID string) (*model.MergeResult, error) {
	if keepID == mergeID {
		s.recorder.RecordMerge("rejected")
		return nil, ErrSameUser
	}
	// UUIDでないIDは該当ユーザーなしとして扱う
	for _, id := range []string{keepID, mergeID} {
		if _, err := uuid.Parse(id); err != nil {
			s.recorder.RecordMerge("rejected")
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
	}

	result := &model.MergeResult{KeepUserID: keepID, MergedUserID: mergeID}
	err := s.accounts.InTx(ctx, func(tx repository.AccountTx) error {
		return mergeInTx(ctx, tx, keepID, mergeID, result)
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.recorder.RecordMerge("rejected")
		} else {
			s.recorder.RecordMerge("failed")
		}
		return nil, err
	}

	s.recorder.RecordMerge("merged")
	slog.Info("アカウントを統合しました",
		slog.String("keep_user_id", keepID),
		slog.String("merged_user_id", mergeID),
		slog.Int("identities_transferred", result.IdentitiesTransferred),
		slog.Int("identities_skipped", result.IdentitiesSkipped),
		slog.Int("favorites_transferred", result.FavoritesTransferred),
		slog.Int("favorites_dropped", result.FavoritesDropped),
		slog.Int("sessions_revoked", result.SessionsRevoked),
	)
	return result, nil
}

func mergeInTx(ctx context.Context, tx repository.AccountTx, keepID, mergeID string, result *model.MergeResult) error {
	// ロック順序をIDで固定し、逆方向の同時統合でデッドロックしないようにする
	first, second := keepID, mergeID
	if second < first {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		u, err := tx.LockUser(ctx, id)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
	}

	keepIdentities, err := tx.ListIdentities(ctx, keepID)
	if err != nil {
		return err
	}
	keepProviders := make(map[string]bool, len(keepIdentities))
	for _, identity := range keepIdentities {
		keepProviders[identity.Provider] = true
	}

	mergeIdentities, err := tx.ListIdentities(ctx, mergeID)
	if err != nil {
		return err
	}
	for _, identity := range mergeIdentities {
		if keepProviders[identity.Provider] {
			result.IdentitiesSkipped++
			continue
		}
		if err := tx.ReassignIdentity(ctx, identity.ID, keepID); err != nil {
			return err
		}
		keepProviders[identity.Provider] = true
		result.IdentitiesTransferred++
	}

	favorites, err := tx.ListFavorites(ctx, mergeID)
	if err != nil {
		return err
	}
	for _, fav := range favorites {
		moved, err := tx.ReassignFavorite(ctx, mergeID, keepID, fav.GroupID)
		if err != nil {
			return err
		}
		if moved {
			result.FavoritesTransferred++
			continue
		}
		if err := tx.DeleteFavorite(ctx, mergeID, fav.GroupID); err != nil {
			return err
		}
		result.FavoritesDropped++
	}

	sessions, err := tx.DeleteSessions(ctx, mergeID)
	if err != nil {
		return err
	}
	result.SessionsRevoked = int(sessions)

	if _, err := tx.DeleteIdentities(ctx, mergeID); err != nil {
		return err
	}
	if _, err := tx.DeleteFavorites(ctx, mergeID); err != nil {
		return err
	}
	return tx.DeleteUser(ctx, mergeID)
}
