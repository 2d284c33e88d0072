package solvedac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const DefaultBaseURL = "https://solved.ac/api/v3"

var ErrUserNotFound = errors.New("solved.ac user not found")

// User is the subset of the solved.ac user/show payload this service
// keeps: profile identity, bio (carries the verification code) and the
// headline stats.
type User struct {
	Handle      string `json:"handle"`
	Bio         string `json:"bio"`
	Tier        int    `json:"tier"`
	Rating      int    `json:"rating"`
	SolvedCount int    `json:"solvedCount"`
	Class       int    `json:"class"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// UserShow fetches a user by handle via GET /user/show.
func (c *Client) UserShow(ctx context.Context, handle string) (*User, error) {
	var u User
	if err := c.get(ctx, "/user/show", url.Values{"handle": {handle}}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("solved.ac request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUserNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("solved.ac HTTP %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode solved.ac response: %w", err)
	}
	return nil
}
