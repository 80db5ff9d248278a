package backend

import (
	"context"
	"strings"
	"time"

	"bankchat/internal/pkg/jwtutil"
)

// TokenSource supplies the bearer token for backend requests. Retrieval and
// refresh belong to the auth subsystem.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// ExpiryChecked refuses tokens whose exp claim has already passed so the
// request fails locally instead of with a 401.
func ExpiryChecked(src TokenSource, now func() time.Time) TokenSource {
	if now == nil {
		now = time.Now
	}
	return TokenFunc(func(ctx context.Context) (string, error) {
		token, err := src.Token(ctx)
		if err != nil {
			return "", err
		}
		exp, ok := jwtutil.ExpiresAt(token)
		if ok && !exp.After(now()) {
			return "", jwtutil.ErrTokenExpired
		}
		return token, nil
	})
}

type tokenContextKey struct{}

// WithToken attaches a per-request token, used when one client serves many
// callers.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// ContextToken reads the token stored by WithToken.
var ContextToken TokenSource = TokenFunc(func(ctx context.Context) (string, error) {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
})
