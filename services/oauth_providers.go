package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/lborres/gatekeep/core"
)

const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"

	oauthRequestTimeout = 10 * time.Second

	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubAPIBase     = "https://api.github.com"
)

var errNoProviderEmail = errors.New("provider profile has no usable email")

// oauthProfile is the part of a provider account that identity resolution uses.
type oauthProfile struct {
	Email     string
	Name      string
	Handle    string
	AvatarURL string
}

type oauthProvider struct {
	name   string
	config *oauth2.Config
	client *http.Client
	fetch  func(ctx context.Context, client *http.Client) (*oauthProfile, error)
}

func (p *oauthProvider) authCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
}

// profile exchanges the authorization code and loads the account it grants
// access to.
func (p *oauthProvider) profile(ctx context.Context, code, verifier string) (*oauthProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, oauthRequestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return p.fetch(ctx, p.config.Client(ctx, token))
}

func newOAuthProviders(config core.OAuthConfig, client *http.Client) map[string]*oauthProvider {
	providers := make(map[string]*oauthProvider, 2)
	if config.Google.Enabled() {
		providers[ProviderGoogle] = newGoogleProvider(config.Google, endpoints.Google, googleUserInfoURL, client)
	}
	if config.GitHub.Enabled() {
		providers[ProviderGitHub] = newGitHubProvider(config.GitHub, endpoints.GitHub, githubAPIBase, client)
	}
	return providers
}

func newGoogleProvider(config core.OAuthProviderConfig, endpoint oauth2.Endpoint, userInfoURL string, client *http.Client) *oauthProvider {
	return &oauthProvider{
		name: ProviderGoogle,
		config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		client: client,
		fetch: func(ctx context.Context, client *http.Client) (*oauthProfile, error) {
			var payload struct {
				Email         string `json:"email"`
				EmailVerified bool   `json:"email_verified"`
				Name          string `json:"name"`
				Picture       string `json:"picture"`
			}
			if err := getJSON(ctx, client, userInfoURL, &payload); err != nil {
				return nil, err
			}
			if payload.Email == "" || !payload.EmailVerified {
				return nil, errNoProviderEmail
			}
			return &oauthProfile{Email: payload.Email, Name: payload.Name, AvatarURL: payload.Picture}, nil
		},
	}
}

func newGitHubProvider(config core.OAuthProviderConfig, endpoint oauth2.Endpoint, apiBase string, client *http.Client) *oauthProvider {
	apiBase = strings.TrimRight(apiBase, "/")
	return &oauthProvider{
		name: ProviderGitHub,
		config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		client: client,
		fetch: func(ctx context.Context, client *http.Client) (*oauthProfile, error) {
			var user struct {
				Login     string `json:"login"`
				Name      string `json:"name"`
				AvatarURL string `json:"avatar_url"`
				Email     string `json:"email"`
			}
			if err := getJSON(ctx, client, apiBase+"/user", &user); err != nil {
				return nil, err
			}

			email := user.Email
			if email == "" {
				var emails []struct {
					Email    string `json:"email"`
					Primary  bool   `json:"primary"`
					Verified bool   `json:"verified"`
				}
				if err := getJSON(ctx, client, apiBase+"/user/emails", &emails); err != nil {
					return nil, err
				}
				for _, e := range emails {
					if e.Primary && e.Verified {
						email = e.Email
						break
					}
				}
			}
			if email == "" {
				return nil, errNoProviderEmail
			}
			return &oauthProfile{Email: email, Name: user.Name, Handle: user.Login, AvatarURL: user.AvatarURL}, nil
		},
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
