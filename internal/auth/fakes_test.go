package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hitoshi/tsudoi/internal/events"
	"github.com/hitoshi/tsudoi/internal/model"
	"github.com/hitoshi/tsudoi/internal/repository"
)

// memDB はPostgreSQLの一意制約とCASCADEを模したインメモリストア。
type memDB struct {
	mu         sync.Mutex
	users      map[string]*model.User
	identities map[string]*model.Identity
	sessions   map[string]*model.Session

	// beforeIdentityInsert はidentity挿入の直前に呼ばれる。競合の再現に使う。
	beforeIdentityInsert func(identity *model.Identity)
	writes               int
}

func newMemDB() *memDB {
	return &memDB{
		users:      map[string]*model.User{},
		identities: map[string]*model.Identity{},
		sessions:   map[string]*model.Session{},
	}
}

func (db *memDB) identityTaken(provider, externalID string) bool {
	for _, id := range db.identities {
		if id.Provider == provider && id.ProviderUserID == externalID {
			return true
		}
	}
	return false
}

func (db *memDB) usernameTaken(username string) bool {
	if username == "" {
		return false
	}
	for _, u := range db.users {
		if u.Username == username {
			return true
		}
	}
	return false
}

func (db *memDB) userCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.users)
}

func (db *memDB) identityCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.identities)
}

func (db *memDB) sessionCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.sessions)
}

func (db *memDB) writeCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.writes
}

func (db *memDB) identitiesOf(userID string) []*model.Identity {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*model.Identity
	for _, id := range db.identities {
		if id.UserID == userID {
			c := *id
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// seedUser はユーザーと1件のidentityを直接登録する。
func (db *memDB) seedUser(user *model.User, identities ...*model.Identity) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u := *user
	db.users[u.ID] = &u
	for _, id := range identities {
		c := *id
		db.identities[c.ID] = &c
	}
}

func (db *memDB) insertIdentityLocked(identity *model.Identity) error {
	if db.identityTaken(identity.Provider, identity.ProviderUserID) {
		return fmt.Errorf("insert: %w", repository.ErrDuplicateIdentity)
	}
	c := *identity
	db.identities[c.ID] = &c
	return nil
}

// memUsers はrepository.UserRepositoryの実装。
type memUsers struct{ db *memDB }

func (r memUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (r memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var found *model.User
	for _, u := range r.db.users {
		if strings.EqualFold(u.Email, email) && (found == nil || u.CreatedAt.Before(found.CreatedAt)) {
			found = u
		}
	}
	if found == nil {
		return nil, nil
	}
	c := *found
	return &c, nil
}

func (r memUsers) FindByUsername(_ context.Context, username string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (r memUsers) CreateWithIdentity(_ context.Context, user *model.User, identity *model.Identity) error {
	if hook := r.db.beforeIdentityInsert; hook != nil {
		hook(identity)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.usernameTaken(user.Username) {
		return fmt.Errorf("insert: %w", repository.ErrDuplicateUsername)
	}
	if err := r.db.insertIdentityLocked(identity); err != nil {
		return err
	}
	u := *user
	r.db.users[u.ID] = &u
	r.db.writes++
	return nil
}

func (r memUsers) UpdateProfile(_ context.Context, user *model.User) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[user.ID]
	if !ok {
		return nil
	}
	u.Name, u.AvatarURL, u.UpdatedAt = user.Name, user.AvatarURL, user.UpdatedAt
	r.db.writes++
	return nil
}

func (r memUsers) DeleteByID(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.users, id)
	for k, v := range r.db.identities {
		if v.UserID == id {
			delete(r.db.identities, k)
		}
	}
	for k, v := range r.db.sessions {
		if v.UserID == id {
			delete(r.db.sessions, k)
		}
	}
	r.db.writes++
	return nil
}

// memIdentities はrepository.IdentityRepositoryの実装。
type memIdentities struct{ db *memDB }

func (r memIdentities) FindByProviderAndProviderUserID(_ context.Context, provider, externalID string) (*model.Identity, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, id := range r.db.identities {
		if id.Provider == provider && id.ProviderUserID == externalID {
			c := *id
			return &c, nil
		}
	}
	return nil, nil
}

func (r memIdentities) ListByUserID(_ context.Context, userID string) ([]*model.Identity, error) {
	return r.db.identitiesOf(userID), nil
}

func (r memIdentities) Create(_ context.Context, identity *model.Identity) error {
	if hook := r.db.beforeIdentityInsert; hook != nil {
		hook(identity)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.insertIdentityLocked(identity); err != nil {
		return err
	}
	r.db.writes++
	return nil
}

func (r memIdentities) UpdateCredentials(_ context.Context, identity *model.Identity) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if id, ok := r.db.identities[identity.ID]; ok {
		id.ProviderUsername = identity.ProviderUsername
		id.ProviderEmail = identity.ProviderEmail
		id.AccessToken = identity.AccessToken
		id.UpdatedAt = identity.UpdatedAt
		r.db.writes++
	}
	return nil
}

func (r memIdentities) DeleteUnlessLast(_ context.Context, userID, provider string) (int, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	total := 0
	for _, id := range r.db.identities {
		if id.UserID == userID {
			total++
		}
	}
	if total <= 1 {
		return total, false, nil
	}
	deleted := false
	for k, id := range r.db.identities {
		if id.UserID == userID && id.Provider == provider {
			delete(r.db.identities, k)
			deleted = true
		}
	}
	if deleted {
		r.db.writes++
	}
	return total, deleted, nil
}

// memSessions はrepository.SessionRepositoryの実装。
type memSessions struct{ db *memDB }

func (r memSessions) Create(_ context.Context, session *model.Session) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c := *session
	r.db.sessions[c.ID] = &c
	r.db.writes++
	return nil
}

func (r memSessions) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (r memSessions) DeleteByID(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.sessions, id)
	return nil
}

func (r memSessions) DeleteByUserID(_ context.Context, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for k, s := range r.db.sessions {
		if s.UserID == userID {
			delete(r.db.sessions, k)
		}
	}
	return nil
}

// recordingPublisher は送られたイベントを記録する。
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.IdentityLinked
}

func (p *recordingPublisher) Publish(event events.IdentityLinked) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// --- compile-time interface checks ---
var (
	_ repository.UserRepository     = memUsers{}
	_ repository.IdentityRepository = memIdentities{}
	_ repository.SessionRepository  = memSessions{}
	_ IdentityEventPublisher        = (*recordingPublisher)(nil)
)
