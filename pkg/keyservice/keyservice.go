// Package keyservice fetches per-connection symmetric keys from a key-issuance endpoint.
//
// The endpoint answers a GET with a JSON array of two strings:
// the public key id and the base64 encoded key.
package keyservice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

const DefaultTimeout = 10 * time.Second

var ErrBadResponse = errors.New("bad key service response")

type Key struct {
	ID     string
	Secret []byte
}

type Client struct {
	URL  string
	HTTP *http.Client
}

func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

func (c *Client) Fetch(ctx context.Context) (Key, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Key{}, err
	}
	req.Header.Set("Accept", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Key{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Key{}, fmt.Errorf("%w: status %v", ErrBadResponse, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Key{}, err
	}

	var pair []string
	if err := json.Unmarshal(body, &pair); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(pair) != 2 || pair[0] == "" {
		return Key{}, fmt.Errorf("%w: want [id, key], got %v elements", ErrBadResponse, len(pair))
	}
	secret, err := base64.StdEncoding.DecodeString(pair[1])
	if err != nil {
		return Key{}, fmt.Errorf("%w: key: %v", ErrBadResponse, err)
	}
	return Key{ID: pair[0], Secret: secret}, nil
}
