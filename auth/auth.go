// Package auth verifies request identity against Firebase Auth and wraps
// its user management for registration and profile updates.
package auth

import (
	"net/http"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
)

// Authenticate verifies the request's bearer ID token and returns its
// decoded claims.
func Authenticate(req *http.Request) (*auth.Token, error) {
	ctx := req.Context()
	app, err := firebase.NewApp(ctx, nil)
	if err != nil {
		return nil, err
	}

	client, err := app.Auth(ctx)
	if err != nil {
		return nil, err
	}

	jwtToken, err := bearerTokenFromRequest(req)
	if err != nil {
		return nil, err
	}
	return client.VerifyIDToken(ctx, jwtToken)
}
