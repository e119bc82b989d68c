// Package events publishes identity lifecycle events for downstream
// consumers (analytics, audit). Publishing is best-effort: a broker failure
// never fails the identity operation that triggered it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/miniauth/idserver/internal/mq"
)

const channel = "identity-events"

const (
	TypeUserRegistered = "user.registered"
	TypeWeChatSignIn   = "user.wechat_signin"
)

// Event is the envelope published to the identity-events channel.
type Event struct {
	Type        string `json:"type"`
	UID         int64  `json:"uid"`
	Username    string `json:"username,omitempty"`
	AppID       string `json:"app_id,omitempty"`
	FirstSignIn bool   `json:"first_sign_in,omitempty"`
	At          int64  `json:"at"`
}

// Emitter publishes identity events over a broker backend.
type Emitter struct {
	publisher mq.Publisher
}

func NewEmitter(publisher mq.Publisher) *Emitter {
	return &Emitter{publisher: publisher}
}

// UserRegistered announces a new password-based account.
func (e *Emitter) UserRegistered(ctx context.Context, uid int64, username string) error {
	return e.emit(ctx, Event{
		Type:     TypeUserRegistered,
		UID:      uid,
		Username: username,
		At:       time.Now().Unix(),
	})
}

// WeChatSignIn announces a federated sign-in; firstSignIn marks the lazy
// account creation on the very first exchange.
func (e *Emitter) WeChatSignIn(ctx context.Context, uid int64, appID string, firstSignIn bool) error {
	return e.emit(ctx, Event{
		Type:        TypeWeChatSignIn,
		UID:         uid,
		AppID:       appID,
		FirstSignIn: firstSignIn,
		At:          time.Now().Unix(),
	})
}

func (e *Emitter) emit(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = e.publisher.Publish(ctx, channel, data, map[string]string{"type": event.Type})
	return err
}
