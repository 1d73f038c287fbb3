package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/tsudoi/internal/model"
)

const identityColumns = `id, user_id, provider, provider_user_id,
	COALESCE(provider_username, ''), COALESCE(provider_email, ''), access_token, created_at, updated_at`

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

func scanIdentity(row interface{ Scan(dest ...any) error }) (*model.Identity, error) {
	identity := &model.Identity{}
	err := row.Scan(
		&identity.ID, &identity.UserID, &identity.Provider, &identity.ProviderUserID,
		&identity.ProviderUsername, &identity.ProviderEmail, &identity.AccessToken,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func listIdentities(ctx context.Context, q queryer, userID string) ([]*model.Identity, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE user_id = $1 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var identities []*model.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}
	return identities, nil
}

func insertIdentity(ctx context.Context, q queryer, identity *model.Identity) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO identities
		   (id, user_id, provider, provider_user_id, provider_username, provider_email, access_token, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID,
		identity.ProviderUsername, identity.ProviderEmail, identity.AccessToken,
		identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", mapUniqueViolation(err))
	}
	return nil
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	return identity, nil
}

// ListByUserID はユーザーに紐付く全identityを作成順に返す。
func (r *PostgresIdentityRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Identity, error) {
	return listIdentities(ctx, r.db, userID)
}

// Create はidentityを作成する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	return insertIdentity(ctx, r.db, identity)
}

// UpdateCredentials はログインのたびに変わりうる項目を更新する。
func (r *PostgresIdentityRepo) UpdateCredentials(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE identities
		 SET provider_username = NULLIF($2, ''), provider_email = NULLIF($3, ''), access_token = $4, updated_at = $5
		 WHERE id = $1`,
		identity.ID, identity.ProviderUsername, identity.ProviderEmail, identity.AccessToken, identity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	return nil
}

// DeleteUnlessLast はユーザーのidentityを行ロックした上で件数を数え、
// 2件以上ある場合のみ指定providerのidentityを削除する。
// 同時に複数の解除リクエストが来てもidentityが0件になることはない。
func (r *PostgresIdentityRepo) DeleteUnlessLast(ctx context.Context, userID, provider string) (int, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM identities WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to lock identities: %w", err)
	}
	total := 0
	for rows.Next() {
		total++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("failed to iterate identities: %w", err)
	}

	if total <= 1 {
		return total, false, nil
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM identities WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	if err != nil {
		return total, false, fmt.Errorf("failed to delete identity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return total, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return total, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return total, affected > 0, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
