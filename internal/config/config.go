// Package config loads and validates the dashboard configuration:
// providers, refresh cadence and the per-project job layout.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shipdeck/internal/model"
)

const (
	DefaultRefreshInterval = time.Minute
	DefaultCommitLimit     = 20
	DefaultAnalyticsDays   = 7
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 5050
)

// Duration wraps time.Duration so YAML values like "90s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Provider is one external endpoint plus the name of the environment
// variable holding its credential. Secrets never live in the file.
type Provider struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	TokenEnv string `yaml:"token_env"`
}

// Token resolves the provider's credential from the environment.
func (p Provider) Token() string {
	if p.TokenEnv == "" {
		return ""
	}
	return os.Getenv(p.TokenEnv)
}

// JobConfig is one CI job entry in the YAML file.
type JobConfig struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
	BundleID string `yaml:"bundle_id"`
}

// ProjectConfig is one project entry in the YAML file, keyed by display
// name.
type ProjectConfig struct {
	Icon              string      `yaml:"icon"`
	Repo              string      `yaml:"repo"`
	AnalyticsProperty string      `yaml:"analytics_property"`
	Jobs              []JobConfig `yaml:"jobs"`
}

// Project is a validated project the refresh engine iterates over.
type Project struct {
	ID                string
	Name              string
	Icon              string
	Repo              string
	AnalyticsProperty string
	Jobs              []model.Job
}

// JobFor returns the project's job for the given platform, or nil.
func (p *Project) JobFor(pl model.Platform) *model.Job {
	for i := range p.Jobs {
		if p.Jobs[i].Platform == pl {
			return &p.Jobs[i]
		}
	}
	return nil
}

// Config is the root configuration.
type Config struct {
	Host            string                   `yaml:"host"`
	Port            int                      `yaml:"port"`
	RefreshInterval Duration                 `yaml:"refresh_interval"`
	CachePath       string                   `yaml:"cache_path"`
	DBPath          string                   `yaml:"db_path"`
	CommitLimit     int                      `yaml:"commit_limit"`
	AnalyticsDays   int                      `yaml:"analytics_days"`
	CI              Provider                 `yaml:"ci"`
	AppStore        Provider                 `yaml:"appstore"`
	Play            Provider                 `yaml:"play"`
	GitHub          Provider                 `yaml:"github"`
	Analytics       Provider                 `yaml:"analytics"`
	Projects        map[string]ProjectConfig `yaml:"projects"`
}

// Load reads and validates the configuration file and returns the
// config plus the validated project list, sorted by ID.
func Load(path string) (*Config, []Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	applyDefaults(&cfg)

	var errors []string
	var projects []Project
	for name, pc := range cfg.Projects {
		projErrors := validateProject(name, pc)
		if len(projErrors) > 0 {
			errors = append(errors, projErrors...)
			continue
		}

		p := Project{
			ID:                Slugify(name),
			Name:              name,
			Icon:              pc.Icon,
			Repo:              pc.Repo,
			AnalyticsProperty: pc.AnalyticsProperty,
		}
		for _, jc := range pc.Jobs {
			p.Jobs = append(p.Jobs, model.Job{
				Name:     jc.Name,
				Platform: model.Platform(jc.Platform),
				BundleID: jc.BundleID,
			})
		}
		projects = append(projects, p)
	}

	if len(errors) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errors, "\n"))
	}

	if cfg.CI.URL == "" {
		return nil, nil, fmt.Errorf("invalid configuration:\n  - missing required 'ci.url'")
	}

	sortProjects(projects)
	return &cfg, projects, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = Duration(DefaultRefreshInterval)
	}
	if cfg.CommitLimit == 0 {
		cfg.CommitLimit = DefaultCommitLimit
	}
	if cfg.AnalyticsDays == 0 {
		cfg.AnalyticsDays = DefaultAnalyticsDays
	}
	if cfg.CachePath == "" {
		cfg.CachePath = "./cache.json"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./shipdeck.db"
	}
	if cfg.Projects == nil {
		cfg.Projects = make(map[string]ProjectConfig)
	}
}

func validateProject(name string, pc ProjectConfig) []string {
	var errors []string

	if strings.TrimSpace(name) == "" {
		errors = append(errors, "  - project with empty display name")
	}
	if len(pc.Jobs) == 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': needs at least one job", name))
	}

	seen := make(map[string]bool)
	for i, jc := range pc.Jobs {
		if jc.Name == "" {
			errors = append(errors, fmt.Sprintf("  - Project '%s': jobs[%d] missing required 'name'", name, i))
		}
		switch jc.Platform {
		case string(model.PlatformIOS), string(model.PlatformAndroid):
		default:
			errors = append(errors, fmt.Sprintf("  - Project '%s': jobs[%d] platform must be 'ios' or 'android', got '%s'", name, i, jc.Platform))
		}
		if seen[jc.Platform] {
			errors = append(errors, fmt.Sprintf("  - Project '%s': duplicate job for platform '%s'", name, jc.Platform))
		}
		seen[jc.Platform] = true
	}

	if pc.Repo != "" && len(strings.Split(pc.Repo, "/")) != 2 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': repo must be 'owner/name', got '%s'", name, pc.Repo))
	}
	return errors
}

var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a project's stable identifier from its display name.
func Slugify(name string) string {
	s := slugCleaner.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

func sortProjects(projects []Project) {
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].ID < projects[j].ID
	})
}
