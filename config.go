package gcalnotify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-yaml"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
	"github.com/samber/lo"
)

// CalendarsConfig lists the tracked calendars.
//
//	calendars:
//	  - id: team@example.com
//	    name: Team
//	    filter: 'kind != "deleted"'
type CalendarsConfig struct {
	Calendars []*CalendarConfig `yaml:"calendars"`
}

// CalendarConfig is one tracked calendar.
// Filter is an optional CEL expression; a notification is sent only when it evaluates to true.
type CalendarConfig struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name,omitempty"`
	Filter *ExprOrBool `yaml:"filter,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (c *CalendarConfig) DisplayName() string {
	return coalesce(c.Name, c.ID)
}

// Match reports whether the filter lets the notification through.
func (c *CalendarConfig) Match(detail *gcalnotifyevent.Detail) (bool, error) {
	if c == nil || c.Filter == nil {
		return true, nil
	}
	return c.Filter.Eval(detail)
}

// LoadCalendarsConfig loads the calendars config from a local path, an http(s) URL or an s3 URL.
func LoadCalendarsConfig(ctx context.Context, path string) (*CalendarsConfig, error) {
	content, err := fetchConfig(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%s load failed: %w", path, err)
	}
	var cfg CalendarsConfig
	dec := yaml.NewDecoder(bytes.NewReader(content), yaml.DisallowUnknownField())
	if err := dec.DecodeContext(ctx, &cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("%s parse failed: %w", path, err)
	}
	return &cfg, nil
}

// AddIDs appends calendars that are not configured yet.
func (cfg *CalendarsConfig) AddIDs(ids ...string) {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || cfg.Lookup(id) != nil {
			continue
		}
		cfg.Calendars = append(cfg.Calendars, &CalendarConfig{ID: id})
	}
}

// Bind validates the config and compiles every filter.
func (cfg *CalendarsConfig) Bind(env *CELEnv) error {
	seen := make(map[string]struct{}, len(cfg.Calendars))
	for i, c := range cfg.Calendars {
		if c == nil || c.ID == "" {
			return fmt.Errorf("calendars[%d]: id is required", i)
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("calendars[%d]: duplicate id %s", i, c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Filter == nil {
			continue
		}
		if err := c.Filter.Bind(env); err != nil {
			return fmt.Errorf("calendars[%d].filter: %w", i, err)
		}
	}
	return nil
}

// IDs returns the calendar ids in configured order.
func (cfg *CalendarsConfig) IDs() []string {
	return lo.Map(cfg.Calendars, func(c *CalendarConfig, _ int) string {
		return c.ID
	})
}

// Lookup returns the calendar config of id, or nil.
func (cfg *CalendarsConfig) Lookup(id string) *CalendarConfig {
	c, ok := lo.Find(cfg.Calendars, func(c *CalendarConfig) bool {
		return c.ID == id
	})
	if !ok {
		return nil
	}
	return c
}

func fetchConfig(ctx context.Context, path string) ([]byte, error) {
	u, err := url.Parse(path)
	if err != nil {
		return os.ReadFile(path)
	}
	switch u.Scheme {
	case "http", "https":
		return fetchConfigFromHTTP(ctx, u)
	case "s3":
		return fetchConfigFromS3(ctx, u)
	case "file", "":
		if u.Scheme == "" {
			return os.ReadFile(path)
		}
		return os.ReadFile(u.Path)
	default:
		return nil, fmt.Errorf("scheme %s is not supported", u.Scheme)
	}
}

func fetchConfigFromHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching config", "url", u.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed: HTTP %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func fetchConfigFromS3(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching config", "url", u.String())
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	downloader := manager.NewDownloader(s3.NewFromConfig(awsCfg))
	var buf manager.WriteAtBuffer
	slog.DebugContext(ctx, "try download", "bucket", u.Host, "key", u.Path)
	_, err = downloader.Download(ctx, &buf, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimLeft(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from S3, %w", err)
	}
	return buf.Bytes(), nil
}
