// Package storage hosts uploaded user avatars on an object store.
package storage

import (
	"context"
	"fmt"
	"io"
)

// ObjectStore defines the object operations the avatar store needs,
// implemented by the MinIO and GCS backends.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// AvatarStore keys avatar objects by user id on top of an ObjectStore.
type AvatarStore struct {
	backend ObjectStore
}

func NewAvatarStore(backend ObjectStore) *AvatarStore {
	return &AvatarStore{backend: backend}
}

// EnsureBucket ensures the configured bucket exists.
func (s *AvatarStore) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Put stores the avatar for the given user, replacing any previous one.
func (s *AvatarStore) Put(ctx context.Context, uid int64, r io.Reader, size int64, contentType string) error {
	return s.backend.Put(ctx, avatarKey(uid), r, size, contentType)
}

// Get opens a reader for the given user's avatar.
func (s *AvatarStore) Get(ctx context.Context, uid int64) (io.ReadCloser, error) {
	return s.backend.Get(ctx, avatarKey(uid))
}

// Delete removes the given user's avatar.
func (s *AvatarStore) Delete(ctx context.Context, uid int64) error {
	return s.backend.Delete(ctx, avatarKey(uid))
}

func avatarKey(uid int64) string {
	return fmt.Sprintf("avatars/%d", uid)
}
