// Package profile composes the identity provider, the media uploader and
// the users collection for registration and profile edits.
package profile

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/NguyenTuan3101/ChatApp/auth"
	"github.com/NguyenTuan3101/ChatApp/friends"
	"github.com/NguyenTuan3101/ChatApp/log"
	"github.com/NguyenTuan3101/ChatApp/store"
)

// Directory is the identity-provider surface the service needs.
type Directory interface {
	Register(ctx context.Context, email, password, displayName string) (auth.Identity, error)
	UpdateProfile(ctx context.Context, uid, displayName, photoURL string) (auth.Identity, error)
}

// Uploader stores an avatar blob and returns its fetch URL.
type Uploader interface {
	Upload(ctx context.Context, path string, r io.Reader, contentType string) (string, error)
}

type Service struct {
	dir     Directory
	uploads Uploader
	store   store.Store
}

func New(dir Directory, uploads Uploader, st store.Store) *Service {
	return &Service{dir: dir, uploads: uploads, store: st}
}

func avatarPath(uid string) string {
	return "users/" + uid
}

func (s *Service) writeUserDoc(ctx context.Context, id auth.Identity) error {
	return s.store.Set(ctx, store.Ref{Collection: friends.UsersCollection, ID: id.UID}, friends.User{
		DisplayName: id.DisplayName,
		Email:       id.Email,
		PhotoURL:    id.PhotoURL,
	})
}

// Register creates the account and its users document. When an avatar is
// provided its upload runs first; a failed upload skips the photo field
// instead of referencing a blob that never landed.
func (s *Service) Register(ctx context.Context, email, password, displayName string, avatar io.Reader, avatarType string) (auth.Identity, error) {
	logger := log.LoggerFromContext(ctx)
	id, err := s.dir.Register(ctx, email, password, displayName)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("register %s: %w", email, err)
	}

	if avatar != nil {
		url, err := s.uploads.Upload(ctx, avatarPath(id.UID), avatar, avatarType)
		if err != nil {
			logger.Warn("avatar upload failed", slog.String("uid", id.UID), slog.String("errorMsg", err.Error()))
		} else {
			id, err = s.dir.UpdateProfile(ctx, id.UID, "", url)
			if err != nil {
				return auth.Identity{}, fmt.Errorf("set avatar for %s: %w", id.UID, err)
			}
		}
	}

	if err := s.writeUserDoc(ctx, id); err != nil {
		return auth.Identity{}, fmt.Errorf("write user doc %s: %w", id.UID, err)
	}
	return id, nil
}

// Update rewrites the display name and, when avatar is set, replaces the
// stored avatar. The users document is rewritten from the provider's record
// so both stay in step.
func (s *Service) Update(ctx context.Context, uid, displayName string, avatar io.Reader, avatarType string) (auth.Identity, error) {
	photoURL := ""
	if avatar != nil {
		url, err := s.uploads.Upload(ctx, avatarPath(uid), avatar, avatarType)
		if err != nil {
			return auth.Identity{}, fmt.Errorf("upload avatar for %s: %w", uid, err)
		}
		photoURL = url
	}

	id, err := s.dir.UpdateProfile(ctx, uid, displayName, photoURL)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("update profile %s: %w", uid, err)
	}
	if err := s.writeUserDoc(ctx, id); err != nil {
		return auth.Identity{}, fmt.Errorf("write user doc %s: %w", uid, err)
	}
	return id, nil
}
