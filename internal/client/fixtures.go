package client

import (
	"context"
	"net/http"
	"slices"
)

// Scenario is a fixture scenario with its runnable cases.
type Scenario struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Group       string   `json:"group,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Cases       []Case   `json:"cases"`
}

// Case is one fixture case of a scenario.
type Case struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Prompt string   `json:"prompt,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// User is the authenticated identity.
type User struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the user holds perm or the wildcard.
func (u *User) HasPermission(perm string) bool {
	if u == nil {
		return false
	}
	return slices.Contains(u.Permissions, perm) || slices.Contains(u.Permissions, "*")
}

// ListFixtures returns the scenarios the backend can replay.
func (c *Client) ListFixtures(ctx context.Context) ([]Scenario, error) {
	var out struct {
		Scenarios []Scenario `json:"scenarios"`
	}
	if err := c.do(ctx, "list fixtures", http.MethodGet, "/fixture/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Scenarios, nil
}

// CurrentUser returns the identity behind the configured token.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, "current user", http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}
