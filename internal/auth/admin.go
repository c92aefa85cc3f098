package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrUserExists is returned when the identity provider already has a user
// with the requested login.
var ErrUserExists = errors.New("identity user already exists")

// IdentityUser is the profile sent to the identity provider.
type IdentityUser struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
}

// AdminClient creates users through the Okta users API.
type AdminClient struct {
	baseURL string
	token   string
	http    *http.Client
	// maxElapsed bounds retries of transient failures.
	maxElapsed time.Duration
}

// NewAdminClient builds a client for the Okta org that owns issuer. The
// issuer may include an authorization server path, which is stripped.
func NewAdminClient(issuer, token string) (*AdminClient, error) {
	if issuer == "" || token == "" {
		return nil, errors.New("okta domain and admin token are required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid okta domain: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid okta domain %q", issuer)
	}
	return &AdminClient{
		baseURL:    u.Scheme + "://" + u.Host,
		token:      token,
		http:       &http.Client{Timeout: 15 * time.Second},
		maxElapsed: 30 * time.Second,
	}, nil
}

type oktaCreateUser struct {
	Profile struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
		Login     string `json:"login"`
	} `json:"profile"`
	Credentials *struct {
		Password struct {
			Value string `json:"value"`
		} `json:"password"`
	} `json:"credentials,omitempty"`
}

// CreateUser creates and activates the user, returning the provider's id.
// Server errors and rate limiting are retried; client errors are not.
func (c *AdminClient) CreateUser(ctx context.Context, u IdentityUser) (string, error) {
	var body oktaCreateUser
	body.Profile.FirstName = u.FirstName
	body.Profile.LastName = u.LastName
	body.Profile.Email = u.Email
	body.Profile.Login = u.Email
	if u.Password != "" {
		body.Credentials = &struct {
			Password struct {
				Value string `json:"value"`
			} `json:"password"`
		}{}
		body.Credentials.Password.Value = u.Password
	}
	requestBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	var id string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/users?activate=true", bytes.NewReader(requestBody))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "SSWS "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var created struct {
				ID string `json:"id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response body: %w", err))
			}
			id = created.ID
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("okta: status code %d", resp.StatusCode)
		default:
			var oktaErr struct {
				Summary string `json:"errorSummary"`
				Causes  []struct {
					Summary string `json:"errorSummary"`
				} `json:"errorCauses"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&oktaErr)
			for _, cause := range oktaErr.Causes {
				if strings.Contains(cause.Summary, "already exists") {
					return backoff.Permanent(ErrUserExists)
				}
			}
			return backoff.Permanent(fmt.Errorf("okta: status code %d: %s", resp.StatusCode, oktaErr.Summary))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return id, nil
}
