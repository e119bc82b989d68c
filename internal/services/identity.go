// Package services contains the identity core: registration, password and
// WeChat sign-in, password change, and federated profile updates. All state
// lives in the injected repository; operations are stateless request
// handlers whose only cross-request coordination is the store's uniqueness
// constraints.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miniauth/idserver/internal/auth"
	"github.com/miniauth/idserver/internal/store"
	"github.com/miniauth/idserver/internal/wechat"
	"github.com/miniauth/idserver/types"
	"golang.org/x/crypto/bcrypt"
)

// Matches the original service's bcrypt work factor.
const passwordHashCost = 10

const (
	// Fixed-message failures. Login and password change deliberately do not
	// reveal whether the username exists.
	msgCredentialMismatch = "Username and password mismatch."
	msgRegistrationClosed = "Registration is not open."
	msgUsernameTaken      = "The username has been taken."
	msgUnknownAppID       = "App Id is not found. Make sure your app has been registered."
	msgSignInRequired     = "You have to sign in to use this feature."
	msgInvalidUsername    = "Invalid username."
	msgInvalidPassword    = "Invalid password."
	msgInvalidEmail       = "Invalid email address."
	msgInvalidUserInfo    = "Invalid user info."
	msgWeChatLoginFailed  = "Login failed. %s"
	msgWeChatUnreachable  = "Login failed. The identity provider did not respond."
)

// UserRepository defines the persistence operations the identity core needs.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	GetByUsernameEmail(ctx context.Context, username, email string) (types.User, error)
	GetByOpenID(ctx context.Context, openid, appID string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	UpdateProfile(ctx context.Context, id int64, patch types.ProfilePatch, updatedAt, updatedBy int64, appID string) error
}

// CodeExchanger trades a one-time federated login code for an openid.
type CodeExchanger interface {
	Exchange(ctx context.Context, appID, appSecret, code string) (string, error)
}

// EventEmitter publishes identity lifecycle events.
type EventEmitter interface {
	UserRegistered(ctx context.Context, uid int64, username string) error
	WeChatSignIn(ctx context.Context, uid int64, appID string, firstSignIn bool) error
}

// Config carries the process configuration the identity core reads.
type Config struct {
	RegistrationOpen bool
	TokenSecret      []byte
	TokenTTL         time.Duration
	// AppSecrets maps a registered WeChat appId to its secret.
	AppSecrets map[string]string
}

// Session is the result of a successful login or federated sign-in.
type Session struct {
	Token     string     `json:"token"`
	User      types.User `json:"user"`
	ExpiredAt int64      `json:"expiredAt"`
}

// IdentityService orchestrates credential verification and token issuance.
type IdentityService struct {
	repo      UserRepository
	cfg       Config
	exchanger CodeExchanger
	emitter   EventEmitter
	logger    *slog.Logger
}

// NewIdentityService constructs the identity core. emitter may be nil to
// disable event publishing.
func NewIdentityService(repo UserRepository, cfg Config, exchanger CodeExchanger, emitter EventEmitter, logger *slog.Logger) *IdentityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityService{
		repo:      repo,
		cfg:       cfg,
		exchanger: exchanger,
		emitter:   emitter,
		logger:    logger,
	}
}

// Register creates a password-based account. The returned string is the
// registered username; the caller must log in separately to obtain a token.
func (s *IdentityService) Register(ctx context.Context, username, password, email string) (string, error) {
	if !s.cfg.RegistrationOpen {
		return "", forbidden(msgRegistrationClosed)
	}
	if !validUsername(username) {
		return "", invalidInput(msgInvalidUsername)
	}
	if password == "" {
		return "", invalidInput(msgInvalidPassword)
	}
	if !validEmail(email) {
		return "", invalidInput(msgInvalidEmail)
	}

	lower := strings.ToLower(username)
	if _, err := s.repo.GetByUsername(ctx, lower); err == nil {
		return "", conflict(msgUsernameTaken)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", err
	}

	user, err := s.repo.Create(ctx, types.User{
		Username:     lower,
		Email:        strings.ToLower(email),
		PasswordHash: string(hashed),
		Role:         0,
		CreatedAt:    time.Now().Unix(),
	})
	if err != nil {
		// The existence check above is advisory; the unique index is the
		// real enforcer under concurrent registration.
		if errors.Is(err, store.ErrConflict) {
			return "", conflict(msgUsernameTaken)
		}
		return "", err
	}

	s.emit(ctx, "user registered", func(ctx context.Context, e EventEmitter) error {
		return e.UserRegistered(ctx, user.ID, user.Username)
	})

	return username, nil
}

// Login verifies a username/password pair and issues a session token.
// Every failure path returns the same message so callers cannot probe
// which usernames exist.
func (s *IdentityService) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.repo.GetByUsername(ctx, strings.ToLower(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, authFailed(msgCredentialMismatch)
		}
		return Session{}, err
	}

	if user.PasswordHash == "" {
		// A federated account has no hash; reject like a mismatch but keep
		// the distinction in the log.
		s.logger.WarnContext(ctx, "password login attempted against account without password hash", "uid", user.ID)
		return Session{}, authFailed(msgCredentialMismatch)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			s.logger.ErrorContext(ctx, "stored password hash is malformed", "uid", user.ID, "error", err)
		}
		return Session{}, authFailed(msgCredentialMismatch)
	}

	return s.issueSession(user)
}

// ChangePassword replaces the account password after verifying that the
// username and email identify the same account.
func (s *IdentityService) ChangePassword(ctx context.Context, username, password, email string) error {
	if !validEmail(email) {
		return invalidInput(msgInvalidEmail)
	}
	if password == "" {
		return invalidInput(msgInvalidPassword)
	}

	user, err := s.repo.GetByUsernameEmail(ctx, strings.ToLower(username), strings.ToLower(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return authFailed(fmt.Sprintf("User %s is not found or the email given and username mismatch.", username))
		}
		return err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return err
	}

	// Keyed on the id captured by the verification lookup, so the update can
	// only ever hit the account that matched.
	return s.repo.UpdatePassword(ctx, user.ID, string(hashed))
}

// SignInWithWeChat exchanges a one-time login code for a federated identity,
// lazily creating the account on first sign-in, and issues a session token.
func (s *IdentityService) SignInWithWeChat(ctx context.Context, appID, code string) (Session, error) {
	appSecret, ok := s.cfg.AppSecrets[appID]
	if appID == "" || !ok {
		return Session{}, authFailed(msgUnknownAppID)
	}

	openid, err := s.exchanger.Exchange(ctx, appID, appSecret, code)
	if err != nil {
		var exchangeErr *wechat.ExchangeError
		if errors.As(err, &exchangeErr) {
			return Session{}, authFailed(fmt.Sprintf(msgWeChatLoginFailed, exchangeErr.Error()))
		}
		s.logger.ErrorContext(ctx, "wechat code exchange failed", "appId", appID, "error", err)
		return Session{}, upstream(msgWeChatUnreachable)
	}

	firstSignIn := false
	user, err := s.repo.GetByOpenID(ctx, openid, appID)
	if errors.Is(err, store.ErrNotFound) {
		firstSignIn = true
		user, err = s.repo.Create(ctx, types.User{
			OpenID:    openid,
			AppID:     appID,
			Role:      0,
			CreatedAt: time.Now().Unix(),
		})
		if errors.Is(err, store.ErrConflict) {
			// A concurrent first sign-in won the create; the account exists
			// now, so read it instead of failing.
			firstSignIn = false
			user, err = s.repo.GetByOpenID(ctx, openid, appID)
		}
	}
	if err != nil {
		return Session{}, err
	}

	s.emit(ctx, "wechat sign-in", func(ctx context.Context, e EventEmitter) error {
		return e.WeChatSignIn(ctx, user.ID, appID, firstSignIn)
	})

	return s.issueSession(user)
}

// UpdateWeChatProfile merges a profile patch into the caller's account,
// stamping the audit fields. The caller identity comes from an already
// verified token; this core never re-checks the signature.
func (s *IdentityService) UpdateWeChatProfile(ctx context.Context, appID string, patch types.ProfilePatch, caller auth.Identity) (types.User, error) {
	if _, ok := s.cfg.AppSecrets[appID]; appID == "" || !ok {
		return types.User{}, invalidInput(msgUnknownAppID)
	}
	if caller.UID == 0 {
		return types.User{}, authFailed(msgSignInRequired)
	}
	if patch.Empty() {
		return types.User{}, invalidInput(msgInvalidUserInfo)
	}

	err := s.repo.UpdateProfile(ctx, caller.UID, patch, time.Now().Unix(), caller.UID, appID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, authFailed(msgSignInRequired)
		}
		return types.User{}, err
	}

	return s.repo.GetByID(ctx, caller.UID)
}

func (s *IdentityService) issueSession(user types.User) (Session, error) {
	token, expiredAt, err := auth.Issue(user.ID, user.Role, s.cfg.TokenSecret, s.cfg.TokenTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: user, ExpiredAt: expiredAt}, nil
}

// emit publishes an event best-effort; a broker failure is logged and the
// triggering operation still succeeds.
func (s *IdentityService) emit(ctx context.Context, name string, publish func(context.Context, EventEmitter) error) {
	if s.emitter == nil {
		return
	}
	if err := publish(ctx, s.emitter); err != nil {
		s.logger.WarnContext(ctx, "failed to publish identity event", "event", name, "error", err)
	}
}
