package auth

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// FirebaseTokenValidator verifies Firebase ID tokens. The Firebase UID is
// the stable user id.
type FirebaseTokenValidator struct {
	authClient *auth.Client
}

func NewFirebaseTokenValidator(ctx context.Context, credJSON string) (*FirebaseTokenValidator, error) {
	opt := option.WithCredentialsJSON([]byte(credJSON))
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get firebase auth client: %w", err)
	}

	return &FirebaseTokenValidator{authClient: authClient}, nil
}

func (f *FirebaseTokenValidator) ValidateToken(tokenString string) (string, error) {
	token, err := f.authClient.VerifyIDToken(context.Background(), tokenString)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if token.UID != "" {
		return token.UID, nil
	}

	// Custom-token flows can leave UID empty; fall back to the claims.
	for _, claim := range []string{"sub", "user_id", "email"} {
		if v, ok := token.Claims[claim].(string); ok && v != "" {
			return v, nil
		}
	}

	return "", fmt.Errorf("%w: no user id found in firebase token", ErrInvalidToken)
}
