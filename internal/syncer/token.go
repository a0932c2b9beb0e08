package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/satchel-dev/satchel/internal/storage"
)

const (
	refreshMaxRetries      = 3
	refreshInitialInterval = 2 * time.Second
	refreshMaxInterval     = 3 * time.Second
)

// OAuthApp is one registered OAuth client.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
}

// TokenGate exchanges stored refresh tokens for fresh access tokens before
// each worker run. Transient token-endpoint failures are retried with
// jittered exponential backoff; invalid-token failures fail immediately.
type TokenGate struct {
	google    OAuthApp
	microsoft OAuthApp
}

func NewTokenGate(googleApp, microsoftApp OAuthApp) *TokenGate {
	return &TokenGate{google: googleApp, microsoft: microsoftApp}
}

// Refresh returns a bearer access token for the connection. The persisted
// refresh token stays untouched; callers store the rotated access token via
// the connection update path if needed.
func (t *TokenGate) Refresh(ctx context.Context, conn storage.Connection) (string, error) {
	if conn.RefreshToken == "" {
		// Local connections carry no OAuth tokens at all.
		if conn.Provider == "local" {
			return "", nil
		}
		return "", fmt.Errorf("%w: no refresh token stored for %s/%s", ErrConnection, conn.Email, conn.Scope)
	}

	cfg, err := t.oauthConfig(conn.Provider)
	if err != nil {
		return "", err
	}

	var token *oauth2.Token
	op := func() error {
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			if isRetryableTokenErr(err) {
				return fmt.Errorf("%w: %v", ErrTransient, err)
			}
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrConnection, err))
		}
		token = tok
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = refreshInitialInterval
	bo.MaxInterval = refreshMaxInterval
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, refreshMaxRetries), ctx)); err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (t *TokenGate) oauthConfig(provider string) (*oauth2.Config, error) {
	switch provider {
	case "google":
		return &oauth2.Config{
			ClientID:     t.google.ClientID,
			ClientSecret: t.google.ClientSecret,
			Endpoint:     google.Endpoint,
		}, nil
	case "microsoft":
		return &oauth2.Config{
			ClientID:     t.microsoft.ClientID,
			ClientSecret: t.microsoft.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrConnection, provider)
	}
}

// isRetryableTokenErr classifies token-endpoint failures: server errors and
// rate limits are worth retrying, everything else (invalid_grant, revoked
// consent) needs the user to reauthenticate.
func isRetryableTokenErr(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response == nil {
			return true
		}
		code := re.Response.StatusCode
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	// Plain transport errors (timeouts, refused connections).
	return true
}
