package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/tsudoi/internal/model"
)

// PostgresAccountStore はアカウント統合などの複数テーブル操作をトランザクションで実行する。
type PostgresAccountStore struct {
	db TxBeginner
}

// NewPostgresAccountStore はPostgresAccountStoreを生成する。
func NewPostgresAccountStore(db TxBeginner) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

// InTx はfnを単一トランザクション内で実行する。
// fnがエラーを返した場合やpanicした場合はロールバックする。
func (s *PostgresAccountStore) InTx(ctx context.Context, fn func(tx AccountTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&postgresAccountTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresAccountTx struct {
	tx *sql.Tx
}

func (t *postgresAccountTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(t.tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return user, nil
}

func (t *postgresAccountTx) ListIdentities(ctx context.Context, userID string) ([]*model.Identity, error) {
	return listIdentities(ctx, t.tx, userID)
}

func (t *postgresAccountTx) ReassignIdentity(ctx context.Context, identityID, toUserID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE identities SET user_id = $2, updated_at = now() WHERE id = $1`,
		identityID, toUserID,
	)
	if err != nil {
		return fmt.Errorf("failed to reassign identity: %w", err)
	}
	return nil
}

func (t *postgresAccountTx) ListFavorites(ctx context.Context, userID string) ([]*model.Favorite, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id, group_id, created_at FROM user_favorites WHERE user_id = $1 ORDER BY created_at, group_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list favorites: %w", err)
	}
	defer rows.Close()

	var favorites []*model.Favorite
	for rows.Next() {
		f := &model.Favorite{}
		if err := rows.Scan(&f.UserID, &f.GroupID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan favorite: %w", err)
		}
		favorites = append(favorites, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate favorites: %w", err)
	}
	return favorites, nil
}

// ReassignFavorite は付け替え先が同じグループを持っていない場合のみ更新する。
func (t *postgresAccountTx) ReassignFavorite(ctx context.Context, fromUserID, toUserID, groupID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE user_favorites SET user_id = $2
		 WHERE user_id = $1 AND group_id = $3
		   AND NOT EXISTS (SELECT 1 FROM user_favorites WHERE user_id = $2 AND group_id = $3)`,
		fromUserID, toUserID, groupID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reassign favorite: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (t *postgresAccountTx) DeleteFavorite(ctx context.Context, userID, groupID string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM user_favorites WHERE user_id = $1 AND group_id = $2`,
		userID, groupID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete favorite: %w", err)
	}
	return nil
}

func (t *postgresAccountTx) deleteByUser(ctx context.Context, table, userID string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (t *postgresAccountTx) DeleteSessions(ctx context.Context, userID string) (int64, error) {
	return t.deleteByUser(ctx, "sessions", userID)
}

func (t *postgresAccountTx) DeleteIdentities(ctx context.Context, userID string) (int64, error) {
	return t.deleteByUser(ctx, "identities", userID)
}

func (t *postgresAccountTx) DeleteFavorites(ctx context.Context, userID string) (int64, error) {
	return t.deleteByUser(ctx, "user_favorites", userID)
}

func (t *postgresAccountTx) DeleteUser(ctx context.Context, userID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ AccountStore = (*PostgresAccountStore)(nil)
	_ AccountTx    = (*postgresAccountTx)(nil)
)
