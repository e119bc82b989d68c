package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miniauth/idserver/internal/auth"
	"github.com/miniauth/idserver/internal/store"
	"github.com/miniauth/idserver/internal/wechat"
	"github.com/miniauth/idserver/types"
)

// --- fakes ---

// fakeRepo is an in-memory UserRepository that emulates the store's partial
// unique indexes on lower(username) and (openid, app_id).
type fakeRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]types.User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[int64]types.User)}
}

func (r *fakeRepo) GetByID(_ context.Context, id int64) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *fakeRepo) GetByUsername(_ context.Context, username string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Username != "" && strings.EqualFold(user.Username, username) {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *fakeRepo) GetByUsernameEmail(_ context.Context, username, email string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Username != "" && strings.EqualFold(user.Username, username) &&
			strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *fakeRepo) GetByOpenID(_ context.Context, openid, appID string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.OpenID == openid && user.AppID == appID {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *fakeRepo) Create(_ context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if user.Username != "" && strings.EqualFold(existing.Username, user.Username) {
			return types.User{}, store.ErrConflict
		}
		if user.OpenID != "" && existing.OpenID == user.OpenID && existing.AppID == user.AppID {
			return types.User{}, store.ErrConflict
		}
	}
	r.nextID++
	user.ID = r.nextID
	r.users[user.ID] = user
	return user, nil
}

func (r *fakeRepo) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = passwordHash
	r.users[id] = user
	return nil
}

func (r *fakeRepo) UpdateProfile(_ context.Context, id int64, patch types.ProfilePatch, updatedAt, updatedBy int64, appID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Nickname != nil {
		user.Nickname = *patch.Nickname
	}
	if patch.AvatarURL != nil {
		user.AvatarURL = *patch.AvatarURL
	}
	if patch.Gender != nil {
		user.Gender = *patch.Gender
	}
	if patch.City != nil {
		user.City = *patch.City
	}
	if patch.Province != nil {
		user.Province = *patch.Province
	}
	if patch.Country != nil {
		user.Country = *patch.Country
	}
	if patch.Language != nil {
		user.Language = *patch.Language
	}
	user.UpdatedAt = updatedAt
	user.UpdatedBy = updatedBy
	user.AppID = appID
	r.users[id] = user
	return nil
}

// conflictOnCreateRepo forces Create to lose a uniqueness race after the
// advisory existence check has already passed.
type conflictOnCreateRepo struct {
	*fakeRepo
	fired bool
}

func (r *conflictOnCreateRepo) Create(ctx context.Context, user types.User) (types.User, error) {
	if !r.fired {
		r.fired = true
		if _, err := r.fakeRepo.Create(ctx, user); err != nil {
			return types.User{}, err
		}
		return types.User{}, store.ErrConflict
	}
	return r.fakeRepo.Create(ctx, user)
}

type fakeExchanger struct {
	openid string
	err    error
	calls  int
}

func (f *fakeExchanger) Exchange(_ context.Context, _, _, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.openid, nil
}

type recordingEmitter struct {
	mu         sync.Mutex
	registered []int64
	signIns    []bool
}

func (e *recordingEmitter) UserRegistered(_ context.Context, uid int64, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registered = append(e.registered, uid)
	return nil
}

func (e *recordingEmitter) WeChatSignIn(_ context.Context, _ int64, _ string, firstSignIn bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signIns = append(e.signIns, firstSignIn)
	return nil
}

const testAppID = "wx-test-app"

func testConfig() Config {
	return Config{
		RegistrationOpen: true,
		TokenSecret:      []byte("test-secret"),
		TokenTTL:         time.Hour,
		AppSecrets:       map[string]string{testAppID: "app-secret"},
	}
}

func newService(repo UserRepository, cfg Config, exchanger CodeExchanger, emitter EventEmitter) *IdentityService {
	return NewIdentityService(repo, cfg, exchanger, emitter, nil)
}

// --- tests ---

func TestRegisterThenLogin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newFakeRepo()
	emitter := &recordingEmitter{}
	svc := newService(repo, testConfig(), nil, emitter)

	name, err := svc.Register(ctx, "Alice_01", "s3cret!", "Alice@Example.com")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if name != "Alice_01" {
		t.Errorf("registered name mismatch: got %q", name)
	}

	session, err := svc.Login(ctx, "ALICE_01", "s3cret!")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	identity, err := auth.Parse(session.Token, []byte("test-secret"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if identity.UID != session.User.ID {
		t.Errorf("token uid %d does not match account id %d", identity.UID, session.User.ID)
	}
	if session.User.Username != "alice_01" {
		t.Errorf("username not lowercased: %q", session.User.Username)
	}
	if session.ExpiredAt <= time.Now().Unix() {
		t.Errorf("expiredAt %d not in the future", session.ExpiredAt)
	}
	if len(emitter.registered) != 1 || emitter.registered[0] != session.User.ID {
		t.Errorf("expected one registered event for uid %d, got %v", session.User.ID, emitter.registered)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newService(newFakeRepo(), testConfig(), nil, nil)

	if _, err := svc.Register(ctx, "bob_user", "pw1", "bob@example.com"); err != nil {
		t.Fatalf("first Register error: %v", err)
	}

	// Same username in different case, different email: still a conflict.
	_, err := svc.Register(ctx, "BOB_USER", "pw2", "other@example.com")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRegisterClosed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RegistrationOpen = false
	svc := newService(newFakeRepo(), cfg, nil, nil)

	_, err := svc.Register(context.Background(), "carol_01", "pw", "carol@example.com")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRegisterInvalidInput(t *testing.T) {
	t.Parallel()

	svc := newService(newFakeRepo(), testConfig(), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		password string
		email    string
	}{
		{"short username", "ab", "pw", "a@b.com"},
		{"empty password", "dave_01", "", "a@b.com"},
		{"bad email", "dave_01", "pw", "not-an-email"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tc.username, tc.password, tc.email)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRegisterLosesCreateRace(t *testing.T) {
	t.Parallel()

	repo := &conflictOnCreateRepo{fakeRepo: newFakeRepo()}
	svc := newService(repo, testConfig(), nil, nil)

	_, err := svc.Register(context.Background(), "eve_user", "pw", "eve@example.com")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict when create loses the race, got %v", err)
	}
}

func TestLoginEnumerationResistance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newFakeRepo()
	svc := newService(repo, testConfig(), nil, nil)

	if _, err := svc.Register(ctx, "frank_01", "right-pw", "frank@example.com"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	_, wrongPassword := svc.Login(ctx, "frank_01", "wrong-pw")
	_, noSuchUser := svc.Login(ctx, "ghost_user", "whatever")

	for _, err := range []error{wrongPassword, noSuchUser} {
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
		}
	}
	if wrongPassword.Error() != noSuchUser.Error() {
		t.Errorf("failure messages differ: %q vs %q", wrongPassword.Error(), noSuchUser.Error())
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newService(newFakeRepo(), testConfig(), nil, nil)

	if _, err := svc.Register(ctx, "grace_01", "old-pw", "grace@example.com"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if err := svc.ChangePassword(ctx, "grace_01", "new-pw", "wrong@example.com"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed for wrong email, got %v", err)
	}

	if err := svc.ChangePassword(ctx, "Grace_01", "new-pw", "GRACE@example.com"); err != nil {
		t.Fatalf("ChangePassword error: %v", err)
	}

	if _, err := svc.Login(ctx, "grace_01", "old-pw"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.Login(ctx, "grace_01", "new-pw"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestSignInWithWeChat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newFakeRepo()
	emitter := &recordingEmitter{}
	exchanger := &fakeExchanger{openid: "openid-1"}
	svc := newService(repo, testConfig(), exchanger, emitter)

	first, err := svc.SignInWithWeChat(ctx, testAppID, "code-1")
	if err != nil {
		t.Fatalf("first SignInWithWeChat error: %v", err)
	}
	if first.User.OpenID != "openid-1" || first.User.AppID != testAppID {
		t.Errorf("unexpected federated key: %q/%q", first.User.OpenID, first.User.AppID)
	}
	if first.User.Role != 0 {
		t.Errorf("new federated account role = %d, want 0", first.User.Role)
	}

	second, err := svc.SignInWithWeChat(ctx, testAppID, "code-2")
	if err != nil {
		t.Fatalf("second SignInWithWeChat error: %v", err)
	}
	if second.User.ID != first.User.ID {
		t.Errorf("second sign-in created a new account: %d vs %d", second.User.ID, first.User.ID)
	}

	wantSignIns := []bool{true, false}
	if len(emitter.signIns) != 2 || emitter.signIns[0] != wantSignIns[0] || emitter.signIns[1] != wantSignIns[1] {
		t.Errorf("sign-in events mismatch: got %v want %v", emitter.signIns, wantSignIns)
	}
}

func TestSignInWithWeChatUnknownAppID(t *testing.T) {
	t.Parallel()

	svc := newService(newFakeRepo(), testConfig(), &fakeExchanger{openid: "o"}, nil)

	_, err := svc.SignInWithWeChat(context.Background(), "unregistered-app", "code")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestSignInWithWeChatProviderRejection(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{err: &wechat.ExchangeError{Code: 40029, Message: "invalid code"}}
	svc := newService(newFakeRepo(), testConfig(), exchanger, nil)

	_, err := svc.SignInWithWeChat(context.Background(), testAppID, "bad-code")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "40029") || !strings.Contains(err.Error(), "invalid code") {
		t.Errorf("provider diagnostics missing from message: %q", err.Error())
	}
}

func TestSignInWithWeChatUpstreamFailure(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{err: fmt.Errorf("connection refused")}
	svc := newService(newFakeRepo(), testConfig(), exchanger, nil)

	_, err := svc.SignInWithWeChat(context.Background(), testAppID, "code")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestSignInWithWeChatConcurrentFirstSignIn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newFakeRepo()
	exchanger := &fakeExchanger{openid: "openid-race"}
	svc := newService(repo, testConfig(), exchanger, nil)

	const callers = 8
	sessions := make([]Session, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = svc.SignInWithWeChat(ctx, testAppID, "code")
		}(i)
	}
	wg.Wait()

	repo.mu.Lock()
	accounts := len(repo.users)
	repo.mu.Unlock()
	if accounts != 1 {
		t.Fatalf("expected exactly one account, got %d", accounts)
	}

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		identity, err := auth.Parse(sessions[i].Token, []byte("test-secret"))
		if err != nil {
			t.Fatalf("caller %d token invalid: %v", i, err)
		}
		if identity.UID != sessions[0].User.ID {
			t.Fatalf("caller %d token bound to uid %d, want %d", i, identity.UID, sessions[0].User.ID)
		}
	}
}

func TestUpdateWeChatProfile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newFakeRepo()
	exchanger := &fakeExchanger{openid: "openid-7"}
	svc := newService(repo, testConfig(), exchanger, nil)

	session, err := svc.SignInWithWeChat(ctx, testAppID, "code")
	if err != nil {
		t.Fatalf("SignInWithWeChat error: %v", err)
	}

	nickname := "Henry"
	city := "Shenzhen"
	patch := types.ProfilePatch{Nickname: &nickname, City: &city}
	caller := auth.Identity{UID: session.User.ID, Role: session.User.Role}

	updated, err := svc.UpdateWeChatProfile(ctx, testAppID, patch, caller)
	if err != nil {
		t.Fatalf("UpdateWeChatProfile error: %v", err)
	}
	if updated.Nickname != "Henry" || updated.City != "Shenzhen" {
		t.Errorf("patch not applied: %+v", updated)
	}
	if updated.UpdatedBy != caller.UID {
		t.Errorf("updatedBy = %d, want %d", updated.UpdatedBy, caller.UID)
	}
	if updated.UpdatedAt == 0 {
		t.Error("updatedAt not stamped")
	}

	if _, err := svc.UpdateWeChatProfile(ctx, testAppID, patch, auth.Identity{}); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed without caller identity, got %v", err)
	}
	if _, err := svc.UpdateWeChatProfile(ctx, "unknown-app", patch, caller); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown app id, got %v", err)
	}
	if _, err := svc.UpdateWeChatProfile(ctx, testAppID, types.ProfilePatch{}, caller); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty patch, got %v", err)
	}
}

func TestSessionJSONNeverExposesPasswordHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newService(newFakeRepo(), testConfig(), nil, nil)

	if _, err := svc.Register(ctx, "ivan_01", "pw", "ivan@example.com"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	session, err := svc.Login(ctx, "ivan_01", "pw")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	data, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	payload := strings.ToLower(string(data))
	if strings.Contains(payload, "password") {
		t.Errorf("serialized session leaks password material: %s", data)
	}
}
