package token

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/pysugar/relay-nexus/internal/config"
	"github.com/pysugar/relay-nexus/internal/platform"
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, p platform.Platform, refreshToken string) (*oauth2.Token, error)
}

// OAuth2Refresher refreshes through the standard OAuth2 token endpoint of each platform.
type OAuth2Refresher struct {
	configs map[platform.Platform]*oauth2.Config
	client  *http.Client
}

// NewOAuth2Refresher builds one oauth2.Config per configured platform. Unknown platform
// names are skipped.
func NewOAuth2Refresher(cfgs map[string]config.OAuthConfig) *OAuth2Refresher {
	r := &OAuth2Refresher{
		configs: make(map[platform.Platform]*oauth2.Config, len(cfgs)),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for name, c := range cfgs {
		p, err := platform.Parse(name)
		if err != nil {
			continue
		}
		r.configs[p] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Scopes:       c.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  c.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
	}
	return r
}

// Refresh implements Refresher.
func (r *OAuth2Refresher) Refresh(ctx context.Context, p platform.Platform, refreshToken string) (*oauth2.Token, error) {
	cfg, ok := r.configs[p]
	if !ok || cfg.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("no token endpoint configured for %s", p)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}
