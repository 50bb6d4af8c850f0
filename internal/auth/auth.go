package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type AuthConfig struct {
	Type         string `mapstructure:"type"` // none, basic, bearer, oauth2
	Username     string `mapstructure:"username,omitempty"`
	Password     string `mapstructure:"password,omitempty"`
	Token        string `mapstructure:"token,omitempty"`
	ClientID     string `mapstructure:"client_id,omitempty"`
	ClientSecret string `mapstructure:"client_secret,omitempty"`
	TokenURL     string `mapstructure:"token_url,omitempty"`
	RefreshToken string `mapstructure:"refresh_token,omitempty"`
}

// AuthProvider liefert den Authorization-Header für Aufrufe der Render-Engine.
type AuthProvider interface {
	GetAuthHeader(ctx context.Context) (string, error)
}

type BasicAuth struct {
	Username string
	Password string
}

func (b *BasicAuth) GetAuthHeader(context.Context) (string, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(b.Username + ":" + b.Password))
	return "Basic " + encoded, nil
}

type BearerAuth struct {
	Token string
}

func (b *BearerAuth) GetAuthHeader(context.Context) (string, error) {
	return "Bearer " + b.Token, nil
}

// OAuth2Auth exchanges the refresh token and caches the access token until shortly
// before it expires.
type OAuth2Auth struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
	Client       *http.Client

	accessToken string
	expiresAt   time.Time
	mu          sync.Mutex
	now         func() time.Time
}

func (o *OAuth2Auth) GetAuthHeader(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.accessToken != "" && o.clock().Before(o.expiresAt) {
		return "Bearer " + o.accessToken, nil
	}
	return o.refreshAccessToken(ctx)
}

func (o *OAuth2Auth) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

func (o *OAuth2Auth) refreshAccessToken(ctx context.Context) (string, error) {
	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", o.RefreshToken)
	values.Set("client_id", o.ClientID)
	values.Set("client_secret", o.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token error: %s: %s", resp.Status, body)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("token parse error: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token error: empty access_token")
	}

	o.accessToken = tokenResp.AccessToken
	o.expiresAt = o.clock().Add(time.Duration(tokenResp.ExpiresIn-10) * time.Second)

	return "Bearer " + o.accessToken, nil
}

// BuildAuthProvider returns nil for type none (or empty).
func BuildAuthProvider(cfg AuthConfig) (AuthProvider, error) {
	switch strings.ToLower(cfg.Type) {
	case "basic":
		return &BasicAuth{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case "bearer":
		return &BearerAuth{
			Token: cfg.Token,
		}, nil
	case "oauth2":
		if cfg.TokenURL == "" {
			return nil, fmt.Errorf("oauth2 auth requires token_url")
		}
		return &OAuth2Auth{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			RefreshToken: cfg.RefreshToken,
		}, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown auth type: %s", cfg.Type)
	}
}
