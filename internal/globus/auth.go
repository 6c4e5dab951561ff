package globus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	TokenURL      = "https://auth.globus.org/v2/oauth2/token"
	TransferScope = "urn:globus:auth:scope:transfer.api.globus.org:all"
)

// Credentials selects how the client obtains transfer access tokens. A refresh
// token takes precedence over client credentials, which take precedence over a
// bare access token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
}

// TokenSource builds an oauth2.TokenSource from creds.
func TokenSource(ctx context.Context, creds Credentials) (oauth2.TokenSource, error) {
	switch {
	case creds.RefreshToken != "":
		conf := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: TokenURL},
			Scopes:       []string{TransferScope},
		}
		return conf.TokenSource(ctx, &oauth2.Token{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
		}), nil
	case creds.ClientID != "" && creds.ClientSecret != "":
		conf := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     TokenURL,
			Scopes:       []string{TransferScope},
		}
		return conf.TokenSource(ctx), nil
	case creds.AccessToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken}), nil
	default:
		return nil, errors.New("globus: no access token, refresh token or client credentials configured")
	}
}

// NewHTTPClient returns an HTTP client that authorizes every request with ts.
// The timeout bounds each Transfer API call.
func NewHTTPClient(ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, ts),
			Base:   transport,
		},
	}
}
