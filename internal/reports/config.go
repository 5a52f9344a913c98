// Package reports loads SPC severe weather reports (wind, tornado, hail) and
// windows them around an ingestion request.
//
// SPC report files record local wall-clock times. Each feed declares the
// offset or IANA zone its times are in and a policy for wall-clock times that
// do not map to exactly one instant:
//
//	feeds:
//	  - name: wind
//	    source: https://www.spc.noaa.gov/wcm/data/{year}_wind.csv
//	    utc_offset: "-06:00"
//	  - name: hail
//	    source: /data/spc/{year}_hail.csv
//	    timezone: America/Chicago
//	    policy: shift_forward
//	padding: 30m
//
// With the reject policy (the default) such rows are dropped and counted.
// With shift_forward a time inside a gap moves to the end of the gap and a
// time inside a fold resolves to the later instant.
package reports

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPadding widens a request window on both sides.
const DefaultPadding = 30 * time.Minute

// Policy decides how nonexistent and ambiguous local times are handled.
type Policy string

const (
	PolicyReject       Policy = "reject"
	PolicyShiftForward Policy = "shift_forward"
)

// Config is the feeds file.
type Config struct {
	Feeds   []Feed        `yaml:"feeds"`
	Padding time.Duration `yaml:"padding"`
}

// Feed is one report CSV source. Source may contain a {year} placeholder,
// expanded for every year the padded window touches.
type Feed struct {
	Name      string `yaml:"name"`
	Source    string `yaml:"source"`
	UTCOffset string `yaml:"utc_offset"`
	Timezone  string `yaml:"timezone"`
	Policy    Policy `yaml:"policy"`

	loc *time.Location
}

// LoadConfig reads and validates a feeds file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates feeds YAML.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse feeds config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Feeds) == 0 {
		return errors.New("feeds config: at least one feed is required")
	}
	if c.Padding < 0 {
		return fmt.Errorf("feeds config: negative padding %s", c.Padding)
	}
	if c.Padding == 0 {
		c.Padding = DefaultPadding
	}

	seen := make(map[string]bool, len(c.Feeds))
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Name == "" {
			return fmt.Errorf("feeds config: feed %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("feeds config: duplicate feed %q", f.Name)
		}
		seen[f.Name] = true
		if f.Source == "" {
			return fmt.Errorf("feeds config: feed %q has no source", f.Name)
		}

		loc, err := resolveLocation(f.UTCOffset, f.Timezone)
		if err != nil {
			return fmt.Errorf("feeds config: feed %q: %w", f.Name, err)
		}
		f.loc = loc

		switch f.Policy {
		case "":
			f.Policy = PolicyReject
		case PolicyReject, PolicyShiftForward:
		default:
			return fmt.Errorf("feeds config: feed %q: unknown policy %q", f.Name, f.Policy)
		}
	}
	return nil
}

// Location returns the resolved time zone of the feed.
func (f Feed) Location() *time.Location {
	return f.loc
}

func resolveLocation(offset, zone string) (*time.Location, error) {
	switch {
	case offset != "" && zone != "":
		return nil, errors.New("set utc_offset or timezone, not both")
	case zone != "":
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", zone, err)
		}
		return loc, nil
	case offset != "":
		secs, err := parseOffset(offset)
		if err != nil {
			return nil, err
		}
		return time.FixedZone("UTC"+offset, secs), nil
	default:
		return nil, errors.New("utc_offset or timezone is required")
	}
}

// parseOffset accepts ±HH:MM, ±HHMM and ±HH.
func parseOffset(s string) (int, error) {
	if len(s) < 3 || (s[0] != '+' && s[0] != '-') {
		return 0, fmt.Errorf("utc_offset %q: want ±HH:MM", s)
	}
	layout := "-07:00"
	switch body := strings.TrimLeft(s[1:], "0123456789"); {
	case body == "" && len(s) == 3:
		layout = "-07"
	case body == "" && len(s) == 5:
		layout = "-0700"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("utc_offset %q: want ±HH:MM", s)
	}
	_, secs := t.Zone()
	if secs < -14*3600 || secs > 14*3600 {
		return 0, fmt.Errorf("utc_offset %q: out of range", s)
	}
	return secs, nil
}
