package user

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/hitoshi/tsudoi/internal/model"
	"github.com/hitoshi/tsudoi/internal/repository"
)

// --- モック ---

type mockUserRepo struct {
	findByIDFn   func(ctx context.Context, id string) (*model.User, error)
	deleteByIDFn func(ctx context.Context, id string) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, nil
}
func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return nil, nil
}
func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return nil
}
func (m *mockUserRepo) UpdateProfile(ctx context.Context, user *model.User) error {
	return nil
}
func (m *mockUserRepo) DeleteByID(ctx context.Context, id string) error {
	return m.deleteByIDFn(ctx, id)
}

type mockSessionRepo struct {
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	return nil
}
func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return nil, nil
}
func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	return nil
}
func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	return m.deleteByUserIDFn(ctx, userID)
}

// memAccounts はトランザクションのロールバックを状態のスナップショットで模したAccountStore。
type memAccounts struct {
	state accountState
	// failOn は指定した操作でエラーを返す。途中失敗の再現に使う。
	failOn string
}

type accountState struct {
	users      map[string]*model.User
	identities []*model.Identity
	favorites  []*model.Favorite
	sessions   map[string]string // session id -> user id
}

func (s accountState) clone() accountState {
	c := accountState{users: map[string]*model.User{}, sessions: map[string]string{}}
	for k, v := range s.users {
		u := *v
		c.users[k] = &u
	}
	for _, id := range s.identities {
		i := *id
		c.identities = append(c.identities, &i)
	}
	for _, f := range s.favorites {
		fv := *f
		c.favorites = append(c.favorites, &fv)
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	return c
}

func newMemAccounts() *memAccounts {
	return &memAccounts{state: accountState{users: map[string]*model.User{}, sessions: map[string]string{}}}
}

func (m *memAccounts) addUser(id string) {
	m.state.users[id] = &model.User{ID: id, Email: id + "@example.com", Role: model.RoleMember}
}

func (m *memAccounts) addIdentity(id, userID, provider string) {
	m.state.identities = append(m.state.identities, &model.Identity{ID: id, UserID: userID, Provider: provider, ProviderUserID: id})
}

func (m *memAccounts) addFavorite(userID, groupID string) {
	m.state.favorites = append(m.state.favorites, &model.Favorite{UserID: userID, GroupID: groupID})
}

func (m *memAccounts) identitiesOf(userID string) []string {
	var ids []string
	for _, id := range m.state.identities {
		if id.UserID == userID {
			ids = append(ids, id.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *memAccounts) favoritesOf(userID string) []string {
	var groups []string
	for _, f := range m.state.favorites {
		if f.UserID == userID {
			groups = append(groups, f.GroupID)
		}
	}
	sort.Strings(groups)
	return groups
}

func (m *memAccounts) InTx(ctx context.Context, fn func(tx repository.AccountTx) error) error {
	work := &memAccountTx{state: m.state.clone(), failOn: m.failOn}
	if err := fn(work); err != nil {
		return err
	}
	m.state = work.state
	return nil
}

type memAccountTx struct {
	state  accountState
	failOn string
}

var errInjected = errors.New("injected failure")

func (t *memAccountTx) fail(op string) error {
	if t.failOn == op {
		return errInjected
	}
	return nil
}

func (t *memAccountTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	u, ok := t.state.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (t *memAccountTx) ListIdentities(ctx context.Context, userID string) ([]*model.Identity, error) {
	var out []*model.Identity
	for _, id := range t.state.identities {
		if id.UserID == userID {
			c := *id
			out = append(out, &c)
		}
	}
	return out, nil
}

func (t *memAccountTx) ReassignIdentity(ctx context.Context, identityID, toUserID string) error {
	for _, id := range t.state.identities {
		if id.ID == identityID {
			id.UserID = toUserID
		}
	}
	return nil
}

func (t *memAccountTx) ListFavorites(ctx context.Context, userID string) ([]*model.Favorite, error) {
	var out []*model.Favorite
	for _, f := range t.state.favorites {
		if f.UserID == userID {
			c := *f
			out = append(out, &c)
		}
	}
	return out, nil
}

func (t *memAccountTx) hasFavorite(userID, groupID string) bool {
	for _, f := range t.state.favorites {
		if f.UserID == userID && f.GroupID == groupID {
			return true
		}
	}
	return false
}

func (t *memAccountTx) ReassignFavorite(ctx context.Context, fromUserID, toUserID, groupID string) (bool, error) {
	if t.hasFavorite(toUserID, groupID) {
		return false, nil
	}
	for _, f := range t.state.favorites {
		if f.UserID == fromUserID && f.GroupID == groupID {
			f.UserID = toUserID
			return true, nil
		}
	}
	return false, nil
}

func (t *memAccountTx) DeleteFavorite(ctx context.Context, userID, groupID string) error {
	kept := t.state.favorites[:0]
	for _, f := range t.state.favorites {
		if !(f.UserID == userID && f.GroupID == groupID) {
			kept = append(kept, f)
		}
	}
	t.state.favorites = kept
	return nil
}

func (t *memAccountTx) DeleteSessions(ctx context.Context, userID string) (int64, error) {
	var n int64
	for k, v := range t.state.sessions {
		if v == userID {
			delete(t.state.sessions, k)
			n++
		}
	}
	return n, nil
}

func (t *memAccountTx) DeleteIdentities(ctx context.Context, userID string) (int64, error) {
	var n int64
	kept := t.state.identities[:0]
	for _, id := range t.state.identities {
		if id.UserID == userID {
			n++
			continue
		}
		kept = append(kept, id)
	}
	t.state.identities = kept
	return n, nil
}

func (t *memAccountTx) DeleteFavorites(ctx context.Context, userID string) (int64, error) {
	var n int64
	kept := t.state.favorites[:0]
	for _, f := range t.state.favorites {
		if f.UserID == userID {
			n++
			continue
		}
		kept = append(kept, f)
	}
	t.state.favorites = kept
	return n, nil
}

func (t *memAccountTx) DeleteUser(ctx context.Context, userID string) error {
	if err := t.fail("DeleteUser"); err != nil {
		return err
	}
	delete(t.state.users, userID)
	return nil
}

type recordingMergeRecorder struct {
	results []string
}

func (r *recordingMergeRecorder) RecordMerge(result string) {
	r.results = append(r.results, result)
}

var (
	_ repository.AccountStore = (*memAccounts)(nil)
	_ repository.AccountTx    = (*memAccountTx)(nil)
)

// --- テスト: 退会 ---

// TestService_Withdraw は退会処理がセッションとユーザーを削除することを検証する。
func TestService_Withdraw(t *testing.T) {
	var order []string

	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "test@example.com"}, nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error {
			order = append(order, "user")
			return nil
		},
	}
	sessionRepo := &mockSessionRepo{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			order = append(order, "sessions")
			return nil
		},
	}

	svc := NewService(userRepo, sessionRepo, newMemAccounts(), nil)
	if err := svc.Withdraw(context.Background(), "user-1"); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}

	if len(order) != 2 || order[0] != "sessions" || order[1] != "user" {
		t.Errorf("delete order = %v, want [sessions user]", order)
	}
}

// TestService_Withdraw_UserNotFound は存在しないユーザーの退会がエラーになることを検証する。
func TestService_Withdraw_UserNotFound(t *testing.T) {
	userRepo := &mockUserRepo{
		deleteByIDFn: func(ctx context.Context, id string) error {
			t.Error("DeleteByID should not be called")
			return nil
		},
	}
	sessionRepo := &mockSessionRepo{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			t.Error("DeleteByUserID should not be called")
			return nil
		},
	}

	svc := NewService(userRepo, sessionRepo, newMemAccounts(), nil)
	if err := svc.Withdraw(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Withdraw() error = %v, want ErrUserNotFound", err)
	}
}

// TestService_Withdraw_SessionDeleteError はセッション削除失敗時にユーザーを削除しないことを検証する。
func TestService_Withdraw_SessionDeleteError(t *testing.T) {
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id}, nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error {
			t.Error("DeleteByID should not be called")
			return nil
		},
	}
	sessionRepo := &mockSessionRepo{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			return errors.New("db error")
		},
	}

	svc := NewService(userRepo, sessionRepo, newMemAccounts(), nil)
	if err := svc.Withdraw(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// --- テスト: 統合 ---

const (
	keepUser    = "11111111-1111-4111-8111-111111111111"
	mergeUser   = "22222222-2222-4222-8222-222222222222"
	missingUser = "33333333-3333-4333-8333-333333333333"
)

// 両方がGitHubを持つ場合、keep側のGitHubが残りmerge側はスキップされる
func TestService_Merge_Conservation(t *testing.T) {
	store := newMemAccounts()
	store.addUser(keepUser)
	store.addUser(mergeUser)
	store.addIdentity("k-github", keepUser, "github")
	store.addIdentity("m-github", mergeUser, "github")
	store.addIdentity("m-slack", mergeUser, "slack")
	store.addIdentity("m-discord", mergeUser, "discord")
	store.state.sessions["s1"] = mergeUser
	store.state.sessions["s2"] = mergeUser
	store.state.sessions["s3"] = keepUser

	rec := &recordingMergeRecorder{}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, store, rec)

	result, err := svc.Merge(context.Background(), keepUser, mergeUser)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if result.IdentitiesTransferred != 2 || result.IdentitiesSkipped != 1 {
		t.Errorf("identities transferred/skipped = %d/%d, want 2/1", result.IdentitiesTransferred, result.IdentitiesSkipped)
	}
	if result.SessionsRevoked != 2 {
		t.Errorf("SessionsRevoked = %d, want 2", result.SessionsRevoked)
	}
	if result.KeepUserID != keepUser || result.MergedUserID != mergeUser {
		t.Errorf("result ids = %q/%q", result.KeepUserID, result.MergedUserID)
	}

	got := store.identitiesOf(keepUser)
	want := []string{"k-github", "m-discord", "m-slack"}
	if len(got) != len(want) {
		t.Fatalf("keep identities = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("keep identities = %v, want %v", got, want)
			break
		}
	}
	if len(store.state.identities) != 3 {
		t.Errorf("total identities = %d, want 3", len(store.state.identities))
	}
	if _, ok := store.state.users[mergeUser]; ok {
		t.Error("merge user should be deleted")
	}
	if len(store.state.sessions) != 1 || store.state.sessions["s3"] != keepUser {
		t.Errorf("sessions = %v, want only keep's session", store.state.sessions)
	}
	if len(rec.results) != 1 || rec.results[0] != "merged" {
		t.Errorf("recorded = %v, want [merged]", rec.results)
	}
}

// お気に入りはkeep側に同じグループがある場合は重複させずにmerge側を削除する
func TestService_Merge_Favorites(t *testing.T) {
	store := newMemAccounts()
	store.addUser(keepUser)
	store.addUser(mergeUser)
	store.addIdentity("k-1", keepUser, "github")
	store.addFavorite(keepUser, "g-shared")
	store.addFavorite(mergeUser, "g-shared")
	store.addFavorite(mergeUser, "g-only-merge")

	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, store, nil)
	result, err := svc.Merge(context.Background(), keepUser, mergeUser)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if result.FavoritesTransferred != 1 || result.FavoritesDropped != 1 {
		t.Errorf("favorites transferred/dropped = %d/%d, want 1/1", result.FavoritesTransferred, result.FavoritesDropped)
	}
	got := store.favoritesOf(keepUser)
	if len(got) != 2 || got[0] != "g-only-merge" || got[1] != "g-shared" {
		t.Errorf("keep favorites = %v", got)
	}
	if len(store.favoritesOf(mergeUser)) != 0 {
		t.Errorf("merge favorites = %v, want none", store.favoritesOf(mergeUser))
	}
}

func TestService_Merge_Rejected(t *testing.T) {
	store := newMemAccounts()
	store.addUser(keepUser)
	rec := &recordingMergeRecorder{}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, store, rec)

	if _, err := svc.Merge(context.Background(), keepUser, keepUser); !errors.Is(err, ErrSameUser) {
		t.Errorf("same user: error = %v, want ErrSameUser", err)
	}
	if _, err := svc.Merge(context.Background(), keepUser, missingUser); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("missing merge user: error = %v, want ErrUserNotFound", err)
	}
	if _, err := svc.Merge(context.Background(), missingUser, keepUser); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("missing keep user: error = %v, want ErrUserNotFound", err)
	}
	if _, ok := store.state.users[keepUser]; !ok {
		t.Error("keep user should remain")
	}
	for _, r := range rec.results {
		if r != "rejected" {
			t.Errorf("recorded = %v, want only rejected", rec.results)
			break
		}
	}
}

// UUIDでないIDはトランザクションを開始せずにErrUserNotFoundになる
func TestService_Merge_InvalidID(t *testing.T) {
	tests := []struct {
		name    string
		keepID  string
		mergeID string
	}{
		{"keep側", "abc", mergeUser},
		{"merge側", keepUser, "def"},
		{"両方", "abc", "def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &countingAccounts{memAccounts: newMemAccounts()}
			rec := &recordingMergeRecorder{}
			svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, accounts, rec)

			if _, err := svc.Merge(context.Background(), tt.keepID, tt.mergeID); !errors.Is(err, ErrUserNotFound) {
				t.Errorf("error = %v, want ErrUserNotFound", err)
			}
			if accounts.txCount != 0 {
				t.Errorf("InTx called %d times, want 0", accounts.txCount)
			}
			if len(rec.results) != 1 || rec.results[0] != "rejected" {
				t.Errorf("recorded = %v, want [rejected]", rec.results)
			}
		})
	}
}

type countingAccounts struct {
	*memAccounts
	txCount int
}

func (c *countingAccounts) InTx(ctx context.Context, fn func(tx repository.AccountTx) error) error {
	c.txCount++
	return c.memAccounts.InTx(ctx, fn)
}

// 途中で失敗した場合は付け替えも含めて何も反映されない
func TestService_Merge_RollsBackOnFailure(t *testing.T) {
	store := newMemAccounts()
	store.addUser(keepUser)
	store.addUser(mergeUser)
	store.addIdentity("m-slack", mergeUser, "slack")
	store.addFavorite(mergeUser, "g-1")
	store.failOn = "DeleteUser"

	rec := &recordingMergeRecorder{}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, store, rec)
	if _, err := svc.Merge(context.Background(), keepUser, mergeUser); !errors.Is(err, errInjected) {
		t.Fatalf("Merge() error = %v, want injected failure", err)
	}

	if ids := store.identitiesOf(mergeUser); len(ids) != 1 {
		t.Errorf("merge identities = %v, want unchanged", ids)
	}
	if favs := store.favoritesOf(mergeUser); len(favs) != 1 {
		t.Errorf("merge favorites = %v, want unchanged", favs)
	}
	if _, ok := store.state.users[mergeUser]; !ok {
		t.Error("merge user should remain after rollback")
	}
	if len(rec.results) != 1 || rec.results[0] != "failed" {
		t.Errorf("recorded = %v, want [failed]", rec.results)
	}
}
