package storefront

import (
	"bytes"
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

const appStoreTimeout = 15 * time.Second

// AppStoreClient reads App Store Connect state for iOS apps. Token
// minting lives behind TokenFn so transport tests can stub it.
type AppStoreClient struct {
	BaseURL    string
	TokenFn    func() (string, error)
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewAppStoreClient creates an App Store Connect client.
func NewAppStoreClient(baseURL string, tokenFn func() (string, error), logger *slog.Logger) *AppStoreClient {
	return &AppStoreClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		TokenFn:    tokenFn,
		HTTPClient: &http.Client{Timeout: appStoreTimeout},
		Logger:     logger,
	}
}

// Platform reports which platform this reader serves.
func (c *AppStoreClient) Platform() model.Platform { return model.PlatformIOS }

type ascVersion struct {
	Version       string  `json:"versionString"`
	Build         string  `json:"buildNumber"`
	State         string  `json:"appStoreState"`
	PhasedPercent float64 `json:"phasedReleasePercent"`
}

type ascAppInfo struct {
	Live       *ascVersion `json:"live"`
	PrevLive   *ascVersion `json:"prevLive"`
	Pending    *ascVersion `json:"pending"`
	Rollout    *ascVersion `json:"rollout"`
	TestFlight *ascVersion `json:"testflight"`
	BetaGroups *ascVersion `json:"betaGroups"`
}

// AppInfo fetches the app's current store state and normalizes it into
// the four track categories plus the previous release.
func (c *AppStoreClient) AppInfo(ctx context.Context, bundleID string) (*AppInfo, error) {
	u := fmt.Sprintf("%s/v1/apps/%s/releases", c.BaseURL, url.PathEscape(bundleID))

	var raw ascAppInfo
	if err := c.getJSON(ctx, u, &raw); err != nil {
		return nil, fmt.Errorf("fetching app store state for %s: %w", bundleID, err)
	}

	info := &AppInfo{
		Internal:    toReleaseInfo(raw.TestFlight),
		Alpha:       toReleaseInfo(raw.BetaGroups),
		Rollout:     toReleaseInfo(raw.Rollout),
		Release:     toReleaseInfo(raw.Live),
		PrevRelease: toReleaseInfo(raw.PrevLive),
	}

	// A version waiting on App Review shows on the rollout track so the
	// dashboard can surface the review state.
	if info.Rollout == nil && raw.Pending != nil {
		info.Rollout = toReleaseInfo(raw.Pending)
	}
	return info, nil
}

func toReleaseInfo(v *ascVersion) *ReleaseInfo {
	if v == nil {
		return nil
	}
	return &ReleaseInfo{
		Version: v.Version,
		Build:   v.Build,
		Rollout: v.PhasedPercent,
		Status:  v.State,
	}
}

// Promote moves an uploaded build onto a TestFlight group or submits it
// for release.
func (c *AppStoreClient) Promote(ctx context.Context, bundleID, version, track string) error {
	body := map[string]string{"version": version, "track": track}
	return c.postJSON(ctx, fmt.Sprintf("%s/v1/apps/%s/promote", c.BaseURL, url.PathEscape(bundleID)), body)
}

// SetRollout adjusts the phased-release fraction of the live version.
func (c *AppStoreClient) SetRollout(ctx context.Context, bundleID string, fraction float64) error {
	body := map[string]any{"fraction": fraction}
	return c.postJSON(ctx, fmt.Sprintf("%s/v1/apps/%s/rollout", c.BaseURL, url.PathEscape(bundleID)), body)
}

// HaltRollout pauses the phased release.
func (c *AppStoreClient) HaltRollout(ctx context.Context, bundleID string) error {
	body := map[string]any{"halt": true}
	return c.postJSON(ctx, fmt.Sprintf("%s/v1/apps/%s/rollout", c.BaseURL, url.PathEscape(bundleID)), body)
}

// PostReleaseNotes attaches "what's new" text to a version.
func (c *AppStoreClient) PostReleaseNotes(ctx context.Context, bundleID, version, notes string) error {
	body := map[string]string{"version": version, "notes": notes}
	return c.postJSON(ctx, fmt.Sprintf("%s/v1/apps/%s/notes", c.BaseURL, url.PathEscape(bundleID)), body)
}

func (c *AppStoreClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *AppStoreClient) postJSON(ctx context.Context, u string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *AppStoreClient) do(req *http.Request) (*http.Response, error) {
	token, err := c.TokenFn()
	if err != nil {
		return nil, fmt.Errorf("minting app store token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.HTTPClient.Do(req)
}
