// Package gitlab is the upstream REST collaborator: it validates OAuth tokens
// and resolves the identity behind them. The session store never calls it;
// consumers of the store do.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
)

// User is the subset of the GitLab user payload the proxy cares about.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// UserID returns the user id as the opaque string stored in OAuth sessions.
func (u *User) UserID() string {
	return strconv.FormatInt(u.ID, 10)
}

type Client struct {
	baseURL string
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/")}
}

// CurrentUser resolves the user that owns token. A rejected token is reported
// as an error; the caller decides whether that means re-authentication.
func (c *Client) CurrentUser(ctx context.Context, token *oauth2.Token) (*User, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v4/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user: %s", resp.Status)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("error unmarshaling gitlab user response: %w", err)
	}
	return &user, nil
}
