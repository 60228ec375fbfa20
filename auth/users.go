package auth

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
)

// Identity is the identity provider's view of an account.
type Identity struct {
	UID         string
	DisplayName string
	Email       string
	PhotoURL    string
}

// Users wraps Firebase Auth user management for registration and profile
// edits.
type Users struct {
	client *auth.Client
}

func NewUsers(ctx context.Context) (*Users, error) {
	app, err := firebase.NewApp(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("create auth client: %w", err)
	}
	return &Users{client: client}, nil
}

func identity(rec *auth.UserRecord) Identity {
	return Identity{
		UID:         rec.UID,
		DisplayName: rec.DisplayName,
		Email:       rec.Email,
		PhotoURL:    rec.PhotoURL,
	}
}

// Register creates a new account with the identity provider.
func (u *Users) Register(ctx context.Context, email, password, displayName string) (Identity, error) {
	params := (&auth.UserToCreate{}).
		Email(email).
		Password(password).
		DisplayName(displayName)
	rec, err := u.client.CreateUser(ctx, params)
	if err != nil {
		return Identity{}, fmt.Errorf("create user: %w", err)
	}
	return identity(rec), nil
}

// Profile fetches the account record for uid.
func (u *Users) Profile(ctx context.Context, uid string) (Identity, error) {
	rec, err := u.client.GetUser(ctx, uid)
	if err != nil {
		return Identity{}, fmt.Errorf("get user %s: %w", uid, err)
	}
	return identity(rec), nil
}

// UpdateProfile rewrites the mutable profile fields. Empty values leave the
// corresponding field unchanged.
func (u *Users) UpdateProfile(ctx context.Context, uid, displayName, photoURL string) (Identity, error) {
	params := &auth.UserToUpdate{}
	if displayName != "" {
		params = params.DisplayName(displayName)
	}
	if photoURL != "" {
		params = params.PhotoURL(photoURL)
	}
	rec, err := u.client.UpdateUser(ctx, uid, params)
	if err != nil {
		return Identity{}, fmt.Errorf("update user %s: %w", uid, err)
	}
	return identity(rec), nil
}
