// Package mq provides the broker backends used to publish identity events.
// The service only ever publishes; nothing in it consumes, so the backends
// expose a publish-only surface.
package mq

import "context"

// Publisher sends opaque payloads to a named channel on some broker.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Close() error
}
