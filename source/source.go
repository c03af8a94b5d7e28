// Package source defines monitored data sources and the registry that owns
// their configuration. A Source is the unit of scheduling: every enabled
// source is polled independently at its own cadence.
package source

import (
	"fmt"
	"time"
)

// Type identifies the kind of collector a source is handled by.
// The set is closed: adding a new kind means adding a collector for it.
type Type string

// Supported source types.
const (
	TypeRepository Type = "repository"
	TypeFeed       Type = "feed"
	TypeAPI        Type = "api"
)

// ParseType returns the Type for s, or "" if unknown.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeRepository, TypeFeed, TypeAPI:
		return Type(s)
	}
	return ""
}

// RepositoryConfig configures a repository-activity source.
type RepositoryConfig struct {
	// Repositories lists "owner/name" repositories to collect from.
	Repositories []string `yaml:"repositories" json:"repositories"`

	// Exclude holds glob patterns (doublestar syntax, e.g. "archived/*")
	// matched against "owner/name"; matching repositories are skipped.
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`

	// Token is the provider API token. Usually injected from the
	// environment rather than written in the config file.
	Token string `yaml:"token,omitempty" json:"-"`

	// BaseURL overrides the provider API endpoint (for tests and
	// self-hosted installs). Empty means the public endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// FeedConfig configures an RSS/Atom feed source.
type FeedConfig struct {
	// URLs lists the feed URLs to poll.
	URLs []string `yaml:"urls" json:"urls"`

	// ExtractContent enables full-article extraction for items whose feed
	// entry carries no body.
	ExtractContent bool `yaml:"extract_content,omitempty" json:"extract_content,omitempty"`
}

// APIConfig configures a generic JSON API source.
type APIConfig struct {
	// URL is the endpoint returning a JSON document.
	URL string `yaml:"url" json:"url"`

	// ItemsPath is a dot path to the array of items within the response
	// (empty when the response is itself an array).
	ItemsPath string `yaml:"items_path,omitempty" json:"items_path,omitempty"`

	// IDField, TitleField, BodyField and TimeField name the item fields
	// mapped onto the normalized event shape. IDField is required.
	IDField    string `yaml:"id_field" json:"id_field"`
	TitleField string `yaml:"title_field,omitempty" json:"title_field,omitempty"`
	BodyField  string `yaml:"body_field,omitempty" json:"body_field,omitempty"`
	TimeField  string `yaml:"time_field,omitempty" json:"time_field,omitempty"`

	// Headers are added to every request (API keys and the like).
	Headers map[string]string `yaml:"headers,omitempty" json:"-"`
}

// Source is a configured origin of events.
type Source struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name,omitempty" json:"name,omitempty"`
	Type          Type   `yaml:"type" json:"type"`
	CheckInterval int    `yaml:"check_interval" json:"check_interval"` // seconds
	Enabled       bool   `yaml:"enabled" json:"enabled"`

	// Topic groups events from several sources under one analysis key.
	// Empty means the source is analyzed under its own ID.
	Topic string `yaml:"topic,omitempty" json:"topic,omitempty"`

	// Exactly one of the following is set, matching Type.
	Repository *RepositoryConfig `yaml:"repository,omitempty" json:"repository,omitempty"`
	Feed       *FeedConfig       `yaml:"feed,omitempty" json:"feed,omitempty"`
	API        *APIConfig        `yaml:"api,omitempty" json:"api,omitempty"`
}

// Interval returns the check interval as a duration.
func (s *Source) Interval() time.Duration {
	return time.Duration(s.CheckInterval) * time.Second
}

// AnalysisKey returns the key this source's events are aggregated under.
func (s *Source) AnalysisKey() string {
	if s.Topic != "" {
		return s.Topic
	}
	return s.ID
}

// InvalidConfigError reports a source definition that cannot be scheduled.
// It names the offending field so configuration mistakes surface precisely.
type InvalidConfigError struct {
	SourceID string
	Field    string
	Reason   string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for source %q: %s: %s", e.SourceID, e.Field, e.Reason)
}

func invalidConfig(id, field, reason string) error {
	return &InvalidConfigError{SourceID: id, Field: field, Reason: reason}
}

// Validate checks that the source definition is complete and well formed.
func (s *Source) Validate() error {
	if s.ID == "" {
		return invalidConfig(s.ID, "id", "must not be empty")
	}
	if s.CheckInterval <= 0 {
		return invalidConfig(s.ID, "check_interval", "must be a positive number of seconds")
	}
	switch s.Type {
	case TypeRepository:
		if s.Repository == nil {
			return invalidConfig(s.ID, "repository", "section is required for type repository")
		}
		if len(s.Repository.Repositories) == 0 {
			return invalidConfig(s.ID, "repository.repositories", "at least one repository is required")
		}
	case TypeFeed:
		if s.Feed == nil {
			return invalidConfig(s.ID, "feed", "section is required for type feed")
		}
		if len(s.Feed.URLs) == 0 {
			return invalidConfig(s.ID, "feed.urls", "at least one URL is required")
		}
	case TypeAPI:
		if s.API == nil {
			return invalidConfig(s.ID, "api", "section is required for type api")
		}
		if s.API.URL == "" {
			return invalidConfig(s.ID, "api.url", "must not be empty")
		}
		if s.API.IDField == "" {
			return invalidConfig(s.ID, "api.id_field", "must not be empty")
		}
	default:
		return invalidConfig(s.ID, "type", fmt.Sprintf("unknown source type %q", string(s.Type)))
	}
	return nil
}
