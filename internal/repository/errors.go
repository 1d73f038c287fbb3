package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateIdentity は (provider, provider_user_id) の一意制約違反を表す。
	ErrDuplicateIdentity = errors.New("identity already exists")
	// ErrDuplicateUsername は users.username の一意制約違反を表す。
	ErrDuplicateUsername = errors.New("username already taken")
)

const (
	pqUniqueViolation = pq.ErrorCode("23505")

	constraintIdentityUnique = "identities_provider_user_unique"
	constraintUsernameUnique = "users_username_unique"
)

// mapUniqueViolation はPostgreSQLの一意制約違反を制約名に応じたセンチネルエラーに変換する。
// 該当しない場合はerrをそのまま返す。
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case constraintIdentityUnique:
		return fmt.Errorf("%w: %v", ErrDuplicateIdentity, err)
	case constraintUsernameUnique:
		return fmt.Errorf("%w: %v", ErrDuplicateUsername, err)
	default:
		return err
	}
}
