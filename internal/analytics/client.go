// Package analytics reads active-user counts broken down by app version
// so track slots can show how many users run each release.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shipdeck/internal/model"
)

const defaultTimeout = 15 * time.Second

// VersionUsers is the active-user count for one app version.
type VersionUsers struct {
	Version     string `json:"version"`
	ActiveUsers int64  `json:"activeUsers"`
}

// UsersByVersion is the per-platform breakdown for one property.
type UsersByVersion struct {
	IOS     []VersionUsers `json:"ios"`
	Android []VersionUsers `json:"android"`
}

// For returns the breakdown for one platform.
func (u *UsersByVersion) For(pl model.Platform) []VersionUsers {
	if pl == model.PlatformAndroid {
		return u.Android
	}
	return u.IOS
}

// Client talks to the analytics provider's reporting API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates an analytics client.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		Logger:     logger,
	}
}

// UsersByVersion fetches active users per app version over the last
// days. Platform may be empty to request both platforms at once.
func (c *Client) UsersByVersion(ctx context.Context, propertyID string, platform model.Platform, days int) (*UsersByVersion, error) {
	q := url.Values{}
	q.Set("days", fmt.Sprintf("%d", days))
	if platform != "" {
		q.Set("platform", string(platform))
	}
	u := fmt.Sprintf("%s/v1/properties/%s/users-by-version?%s", c.BaseURL, url.PathEscape(propertyID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching users by version for %s: %w", propertyID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetching users by version for %s: unexpected status %d", propertyID, resp.StatusCode)
	}

	var out UsersByVersion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding users by version: %w", err)
	}
	return &out, nil
}
