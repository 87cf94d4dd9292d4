package photos

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultPoolSize = 64

// TokenFunc returns the access token for a tenant. An empty token with a nil
// error means the tenant has no credentials.
type TokenFunc func(tenantID string) (string, error)

// Pool hands out one Client per tenant, each authenticated with that tenant's
// own token. Clients are cached by token so a rotated token takes effect on
// the next lookup.
type Pool struct {
	baseURL  string
	pageSize int
	tokens   TokenFunc
	clients  *lru.Cache[string, *Client]
}

func NewPool(baseURL string, pageSize int, tokens TokenFunc) (*Pool, error) {
	clients, err := lru.New[string, *Client](defaultPoolSize)
	if err != nil {
		return nil, fmt.Errorf("creating client cache: %w", err)
	}
	return &Pool{baseURL: baseURL, pageSize: pageSize, tokens: tokens, clients: clients}, nil
}

// Source returns the client for tenantID. A tenant without a token gets a
// client that fails every call with ErrNotConfigured.
func (p *Pool) Source(_ context.Context, tenantID string) (Source, error) {
	token, err := p.tokens(tenantID)
	if err != nil {
		return nil, fmt.Errorf("looking up credentials for %s: %w", tenantID, err)
	}
	if token == "" {
		return NewClient(p.baseURL, "", p.pageSize), nil
	}
	if c, ok := p.clients.Get(token); ok {
		return c, nil
	}
	c := NewClient(p.baseURL, token, p.pageSize)
	p.clients.Add(token, c)
	return c, nil
}
