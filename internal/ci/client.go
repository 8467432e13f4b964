// Package ci reads build, queue and status data from the CI server's
// JSON API and can trigger parameterized builds.
package ci

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

	"golang.org/x/time/rate"

	"shipdeck/internal/changeset"
	"shipdeck/internal/model"
)

const (
	// DefaultTimeout bounds every CI API call.
	DefaultTimeout = 20 * time.Second

	// RequestsPerSecond throttles polling so a burst of per-job fetches
	// cannot hammer the CI server.
	RequestsPerSecond = 10

	buildTreeFields = "builds[number,url,displayName,result,building,timestamp,duration," +
		"actions[parameters[name,value]],artifacts[fileName,relativePath]," +
		"changeSets[items[msg,timestamp,author[fullName]]]]"
)

// Client talks to one CI server.
type Client struct {
	BaseURL    string
	User       string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger

	limiter *rate.Limiter
}

// NewClient creates a CI client with a bounded-timeout HTTP client and
// a request throttle.
func NewClient(baseURL, user, token string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		User:       user,
		Token:      token,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(RequestsPerSecond), RequestsPerSecond),
	}
}

// ListRecentBuilds returns the recent builds of a job as BuildRecords,
// newest first as reported by the server. When since > 0 only builds
// with a higher build number are fetched: the request is bounded with a
// ranged tree expression sized from the build-number gap, so an
// incremental fetch moves a payload proportional to what is new, not
// the job's whole history.
func (c *Client) ListRecentBuilds(ctx context.Context, jobName string, since int) ([]model.BuildRecord, error) {
	tree := buildTreeFields
	if since > 0 {
		last, err := c.LastBuildNumber(ctx, jobName)
		if err != nil {
			return nil, fmt.Errorf("listing builds for %s: %w", jobName, err)
		}
		if last <= since {
			return nil, nil
		}
		// Build numbers are monotonic, so the gap is an upper bound on
		// how many newer builds exist.
		tree = fmt.Sprintf("%s{0,%d}", buildTreeFields, last-since)
	}
	u := fmt.Sprintf("%s/job/%s/api/json?tree=%s", c.BaseURL, url.PathEscape(jobName), url.QueryEscape(tree))

	var list buildList
	if err := c.getJSON(ctx, u, &list); err != nil {
		return nil, fmt.Errorf("listing builds for %s: %w", jobName, err)
	}

	records := make([]model.BuildRecord, 0, len(list.Builds))
	for _, b := range list.Builds {
		if since > 0 && b.Number <= since {
			continue
		}
		records = append(records, toRecord(jobName, b))
	}
	return records, nil
}

// LastBuildNumber returns the job's most recent build number, or 0 when
// the job has never built.
func (c *Client) LastBuildNumber(ctx context.Context, jobName string) (int, error) {
	u := fmt.Sprintf("%s/job/%s/lastBuild/api/json?tree=number", c.BaseURL, url.PathEscape(jobName))

	var lb lastBuild
	if err := c.getJSON(ctx, u, &lb); err != nil {
		return 0, fmt.Errorf("fetching last build number for %s: %w", jobName, err)
	}
	return lb.Number, nil
}

// ListQueued returns the jobs currently waiting in the build queue.
func (c *Client) ListQueued(ctx context.Context) ([]QueueItem, error) {
	u := fmt.Sprintf("%s/queue/api/json?tree=%s", c.BaseURL,
		url.QueryEscape("items[task[name],actions[parameters[name,value]]]"))

	var q wireQueue
	if err := c.getJSON(ctx, u, &q); err != nil {
		return nil, fmt.Errorf("fetching build queue: %w", err)
	}

	items := make([]QueueItem, 0, len(q.Items))
	for _, it := range q.Items {
		branch, buildType := parameterValues(it.Actions)
		items = append(items, QueueItem{Job: it.Task.Name, Branch: branch, BuildType: buildType})
	}
	return items, nil
}

// BuildStatuses polls the current state of specific builds. Used by the
// micro-refresh to move in-progress builds to completed without a full
// history fetch.
func (c *Client) BuildStatuses(ctx context.Context, refs []BuildRef) (map[BuildRef]BuildState, error) {
	out := make(map[BuildRef]BuildState, len(refs))
	for _, ref := range refs {
		u := fmt.Sprintf("%s/job/%s/%d/api/json?tree=result,building,timestamp,duration",
			c.BaseURL, url.PathEscape(ref.Job), ref.Number)

		var st buildStatus
		if err := c.getJSON(ctx, u, &st); err != nil {
			return nil, fmt.Errorf("fetching status of %s #%d: %w", ref.Job, ref.Number, err)
		}
		out[ref] = BuildState{Result: st.Result, Building: st.Building, Timestamp: st.Timestamp, Duration: st.Duration}
	}
	return out, nil
}

// TriggerBuild queues a parameterized build.
func (c *Client) TriggerBuild(ctx context.Context, jobName string, params map[string]string) error {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	u := fmt.Sprintf("%s/job/%s/buildWithParameters", c.BaseURL, url.PathEscape(jobName))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("triggering %s: %w", jobName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("triggering %s: unexpected status %d", jobName, resp.StatusCode)
	}
	c.Logger.Info("build triggered", "job", jobName, "params", params)
	return nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, req)
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

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.User != "" {
		req.SetBasicAuth(c.User, c.Token)
	}
	return c.HTTPClient.Do(req)
}

// toRecord maps one wire build into the canonical record. The version
// comes from the build's display name; the changeset is parsed out of
// it when possible.
func toRecord(jobName string, b wireBuild) model.BuildRecord {
	rec := model.BuildRecord{
		Number:    b.Number,
		Job:       jobName,
		Version:   strings.TrimSpace(b.DisplayName),
		Timestamp: b.Timestamp,
		Duration:  b.Duration,
		URL:       b.URL,
	}

	if !b.Building {
		rec.Result = model.Result(b.Result)
	}

	rec.Branch, rec.BuildType = parameterValues(b.Actions)
	if rec.Branch == "" {
		rec.Branch = "main"
	}

	if cs, ok := changeset.Extract(rec.Version); ok {
		rec.Changeset = cs
		rec.HasChangeset = true
	}

	for _, a := range b.Artifacts {
		rec.DownloadURL = b.URL + "artifact/" + a.RelativePath
		break
	}

	for _, cs := range b.ChangeSets {
		for _, item := range cs.Items {
			ts := item.Timestamp
			if ts == 0 {
				ts = b.Timestamp
			}
			rec.Commits = append(rec.Commits, model.Commit{
				Message:   item.Msg,
				Author:    item.Author.FullName,
				Timestamp: ts,
			})
		}
	}
	return rec
}

// parameterValues pulls the branch and build-type parameters out of an
// action list.
func parameterValues(actions []wireAction) (branch, buildType string) {
	for _, a := range actions {
		for _, p := range a.Parameters {
			v, _ := p.Value.(string)
			switch strings.ToUpper(p.Name) {
			case "BRANCH":
				branch = v
			case "BUILD_TYPE", "BUILDTYPE":
				buildType = v
			}
		}
	}
	return branch, buildType
}
