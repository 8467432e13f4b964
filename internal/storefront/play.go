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
	"strconv"
	"strings"
	"time"

	"shipdeck/internal/model"
)

const playTimeout = 15 * time.Second

// PlayClient reads Google Play publishing state for Android apps.
type PlayClient struct {
	BaseURL    string
	TokenFn    func() (string, error)
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewPlayClient creates a Play publishing client.
func NewPlayClient(baseURL string, tokenFn func() (string, error), logger *slog.Logger) *PlayClient {
	return &PlayClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		TokenFn:    tokenFn,
		HTTPClient: &http.Client{Timeout: playTimeout},
		Logger:     logger,
	}
}

// Platform reports which platform this reader serves.
func (c *PlayClient) Platform() model.Platform { return model.PlatformAndroid }

type playRelease struct {
	Name         string   `json:"name"`
	VersionCodes []int64  `json:"versionCodes"`
	Status       string   `json:"status"`
	UserFraction float64  `json:"userFraction"`
	VersionNames []string `json:"versionNames"`
}

type playTrack struct {
	Track    string        `json:"track"`
	Releases []playRelease `json:"releases"`
}

type playTracks struct {
	Tracks []playTrack `json:"tracks"`
}

// AppInfo fetches the package's track list and normalizes it. Play's
// "production" track carries both the completed release and, when a
// staged rollout is running, an inProgress release with a user fraction.
func (c *PlayClient) AppInfo(ctx context.Context, packageName string) (*AppInfo, error) {
	u := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/tracks", c.BaseURL, url.PathEscape(packageName))

	var raw playTracks
	if err := c.getJSON(ctx, u, &raw); err != nil {
		return nil, fmt.Errorf("fetching play track state for %s: %w", packageName, err)
	}

	info := &AppInfo{}
	for _, t := range raw.Tracks {
		switch t.Track {
		case "internal":
			info.Internal = latestPlayRelease(t.Releases, "")
		case "alpha", "beta":
			if info.Alpha == nil {
				info.Alpha = latestPlayRelease(t.Releases, "")
			}
		case "production":
			info.Rollout = latestPlayRelease(t.Releases, "inProgress")
			if info.Rollout == nil {
				info.Rollout = latestPlayRelease(t.Releases, "halted")
			}
			info.Release = latestPlayRelease(t.Releases, "completed")
			info.PrevRelease = previousPlayRelease(t.Releases)
		}
	}
	return info, nil
}

// latestPlayRelease picks the first release matching the wanted status,
// or the first release at all when status is empty.
func latestPlayRelease(releases []playRelease, status string) *ReleaseInfo {
	for _, r := range releases {
		if status != "" && r.Status != status {
			continue
		}
		return playReleaseInfo(r)
	}
	return nil
}

// previousPlayRelease returns the second completed release on the
// track, which is the build users roll back to if a rollout is halted.
func previousPlayRelease(releases []playRelease) *ReleaseInfo {
	seen := 0
	for _, r := range releases {
		if r.Status != "completed" {
			continue
		}
		seen++
		if seen == 2 {
			return playReleaseInfo(r)
		}
	}
	return nil
}

func playReleaseInfo(r playRelease) *ReleaseInfo {
	info := &ReleaseInfo{Status: r.Status, Rollout: r.UserFraction}
	if len(r.VersionNames) > 0 {
		info.Version = r.VersionNames[0]
	}
	if len(r.VersionCodes) > 0 {
		info.Build = strconv.FormatInt(r.VersionCodes[0], 10)
	}
	return info
}

// Promote moves a release from one track to another.
func (c *PlayClient) Promote(ctx context.Context, packageName, version, track string) error {
	body := map[string]string{"version": version, "track": track}
	return c.postJSON(ctx, fmt.Sprintf("%s/androidpublisher/v3/applications/%s/promote", c.BaseURL, url.PathEscape(packageName)), body)
}

// SetRollout starts or expands the staged rollout on production.
func (c *PlayClient) SetRollout(ctx context.Context, packageName string, fraction float64) error {
	body := map[string]any{"userFraction": fraction}
	return c.postJSON(ctx, fmt.Sprintf("%s/androidpublisher/v3/applications/%s/rollout", c.BaseURL, url.PathEscape(packageName)), body)
}

// HaltRollout halts the in-progress staged rollout.
func (c *PlayClient) HaltRollout(ctx context.Context, packageName string) error {
	body := map[string]any{"halt": true}
	return c.postJSON(ctx, fmt.Sprintf("%s/androidpublisher/v3/applications/%s/rollout", c.BaseURL, url.PathEscape(packageName)), body)
}

// PostReleaseNotes sets the recent-changes text of a release.
func (c *PlayClient) PostReleaseNotes(ctx context.Context, packageName, version, notes string) error {
	body := map[string]string{"version": version, "notes": notes}
	return c.postJSON(ctx, fmt.Sprintf("%s/androidpublisher/v3/applications/%s/notes", c.BaseURL, url.PathEscape(packageName)), body)
}

func (c *PlayClient) getJSON(ctx context.Context, u string, out any) error {
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

func (c *PlayClient) postJSON(ctx context.Context, u string, body any) error {
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

func (c *PlayClient) do(req *http.Request) (*http.Response, error) {
	token, err := c.TokenFn()
	if err != nil {
		return nil, fmt.Errorf("minting play token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.HTTPClient.Do(req)
}
