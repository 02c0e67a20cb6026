// Package auth provides Google OAuth2 authentication for outreach users.
//
// Tokens live in a keyring, one per user. Tokens written by Python's
// google-auth library (token.json) can be imported so existing grants keep
// working without re-authentication.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/daviddao/outreach/internal/gmail"
	"github.com/daviddao/outreach/internal/types"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// DefaultScopes cover reading threads, composing drafts and history.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.compose",
	"https://www.googleapis.com/auth/gmail.modify",
}

// pythonToken represents the token.json format written by Python's google-auth library.
type pythonToken struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

// UserLookup resolves a user's mailbox address.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
}

// Connector opens Gmail mailboxes with per-user keyring tokens.
type Connector struct {
	oauth  *oauth2.Config
	tokens *TokenStore
	users  UserLookup
	log    *slog.Logger

	// opts are appended to every Gmail service, e.g. a test endpoint.
	opts []option.ClientOption
}

var _ gmail.Connector = (*Connector)(nil)

// NewConnector builds a Connector from the OAuth client in credentialsPath.
func NewConnector(credentialsPath string, tokens *TokenStore, users UserLookup,
	log *slog.Logger, opts ...option.ClientOption) (*Connector, error) {

	config, err := LoadOAuthConfig(credentialsPath)
	if err != nil {
		return nil, err
	}
	return &Connector{
		oauth:  config,
		tokens: tokens,
		users:  users,
		log:    log,
		opts:   opts,
	}, nil
}

// Connect implements gmail.Connector.
func (c *Connector) Connect(ctx context.Context, userID string) (gmail.Mailbox, error) {
	return c.Client(ctx, userID)
}

// Client returns the concrete Gmail client, which also exposes watch and
// profile calls.
func (c *Connector) Client(ctx context.Context, userID string) (*gmail.Client, error) {
	user, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	tok, err := c.tokens.Load(userID)
	if err != nil {
		return nil, err
	}

	// The token source outlives this call; refreshes must not be tied to
	// the caller's deadline.
	base := c.oauth.TokenSource(context.WithoutCancel(ctx), tok)
	ts := &savingTokenSource{
		src:    base,
		store:  c.tokens,
		userID: userID,
		last:   tok.AccessToken,
		onErr: func(err error) {
			c.log.Warn("could not save refreshed token",
				"user", userID, "err", err)
		},
	}

	if _, err := ts.Token(); err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) || tok.RefreshToken == "" {
			return nil, fmt.Errorf("refresh token: %w: %w", types.ErrNotConnected, err)
		}
		return nil, fmt.Errorf("refresh token: %w: %w", types.ErrProvider, err)
	}

	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.opts...)
	svc, err := gm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return gmail.NewClient(svc, user.Email), nil
}

// AuthCodeURL returns the consent URL for an offline grant.
func (c *Connector) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it for the
// user.
func (c *Connector) Exchange(ctx context.Context, userID, code string) error {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	return c.tokens.Save(userID, tok)
}

// Disconnect forgets the user's token.
func (c *Connector) Disconnect(userID string) error {
	return c.tokens.Delete(userID)
}

// LoadOAuthConfig reads credentials.json and returns an OAuth2 config.
func LoadOAuthConfig(credentialsPath string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials from %s: %w", credentialsPath, err)
	}

	config, err := google.ConfigFromJSON(data, DefaultScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return config, nil
}

// ImportPythonToken copies a google-auth token.json into the keyring for
// userID.
func ImportPythonToken(tokens *TokenStore, userID, tokenPath string) error {
	tok, err := loadPythonToken(tokenPath)
	if err != nil {
		return fmt.Errorf("load token from %s: %w", tokenPath, err)
	}
	return tokens.Save(userID, tok)
}

// loadPythonToken reads a token.json file in Python google-auth format
// and converts it to a Go oauth2.Token.
func loadPythonToken(tokenPath string) (*oauth2.Token, error) {
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	var pt pythonToken
	if err := json.Unmarshal(data, &pt); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if pt.Token == "" && pt.RefreshToken == "" {
		return nil, fmt.Errorf("token file has neither access nor refresh token")
	}

	// Python writes ISO 8601 with microseconds.
	var expiry time.Time
	if pt.Expiry != "" {
		for _, layout := range []string{
			"2006-01-02T15:04:05.999999Z",
			"2006-01-02T15:04:05Z",
			time.RFC3339,
			time.RFC3339Nano,
		} {
			if t, err := time.Parse(layout, pt.Expiry); err == nil {
				expiry = t
				break
			}
		}
	}

	return &oauth2.Token{
		AccessToken:  pt.Token,
		RefreshToken: pt.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}, nil
}
