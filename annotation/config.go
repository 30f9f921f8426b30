package annotation

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lewtec/dentamark/internal/geometry"
)

// Environment variables that override the config file
const (
	EnvSegmentationURL = "DENTAMARK_SEGMENTATION_URL"
	EnvAddr            = "DENTAMARK_ADDR"
	EnvUser            = "DENTAMARK_USER"
	EnvPassword        = "DENTAMARK_PASSWORD"
)

const (
	DefaultAddr            = ":8000"
	DefaultTimeout         = 60 * time.Second
	DefaultUser            = "admin"
	DefaultOpenSessions    = 64
	DefaultSessionsPerPage = 50
)

type Config struct {
	Meta struct {
		Description string `yaml:"description"`
	} `yaml:"meta"`
	Server         ConfigServer           `yaml:"server"`
	Segmentation   ConfigSegmentation     `yaml:"segmentation"`
	Editor         ConfigEditor           `yaml:"editor"`
	Authentication map[string]*ConfigAuth `yaml:"auth"`
}

type ConfigServer struct {
	Addr string `yaml:"addr"`
}

type ConfigSegmentation struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ConfigEditor struct {
	// NearThreshold is the hit radius, in image pixels, for clicks on teeth and points
	NearThreshold float64 `yaml:"near_threshold"`
	// HistoryLimit caps undo snapshots per session, 0 keeps everything
	HistoryLimit int `yaml:"history_limit"`
	// MaxOpenSessions bounds how many session stores stay in memory
	MaxOpenSessions int `yaml:"max_open_sessions"`
}

type ConfigAuth struct {
	Password string `yaml:"password"`
}

// LoadEnv loads a .env style file into the process environment without
// overriding variables already set. A missing file is an error only when
// required; an empty filename loads nothing.
func LoadEnv(filename string, required bool) error {
	if filename == "" {
		return nil
	}
	err := godotenv.Load(filename)
	if !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML config, applies environment overrides and
// defaults, and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var ret Config
	if err := yaml.Unmarshal(data, &ret); err != nil {
		return nil, err
	}
	ret.applyEnv()
	ret.applyDefaults()

	if ret.Segmentation.URL == "" {
		return nil, fmt.Errorf("no segmentation url specified (set segmentation.url or %s)", EnvSegmentationURL)
	}
	if ret.Segmentation.Timeout < 0 {
		return nil, fmt.Errorf("segmentation timeout must not be negative")
	}
	if ret.Editor.NearThreshold <= 0 {
		return nil, fmt.Errorf("editor near_threshold must be positive")
	}
	if ret.Editor.HistoryLimit < 0 {
		return nil, fmt.Errorf("editor history_limit must not be negative")
	}
	if len(ret.Authentication) == 0 {
		return nil, fmt.Errorf("no users specified")
	}
	for user := range ret.Authentication {
		if ret.Authentication[user] == nil || ret.Authentication[user].Password == "" {
			return nil, fmt.Errorf("user %s has a null password", user)
		}
	}
	return &ret, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSegmentationURL); v != "" {
		c.Segmentation.URL = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		user := os.Getenv(EnvUser)
		if user == "" {
			user = DefaultUser
		}
		if c.Authentication == nil {
			c.Authentication = map[string]*ConfigAuth{}
		}
		c.Authentication[user] = &ConfigAuth{Password: v}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Segmentation.Timeout == 0 {
		c.Segmentation.Timeout = DefaultTimeout
	}
	if c.Editor.NearThreshold == 0 {
		c.Editor.NearThreshold = geometry.DefaultNearThreshold
	}
	if c.Editor.MaxOpenSessions <= 0 {
		c.Editor.MaxOpenSessions = DefaultOpenSessions
	}
}

// SampleConfig is written by the init command.
const SampleConfig = `meta:
  description: |
    Correct the automatic tooth segmentation of each X-ray.
    Drag teeth onto their centre, fix the tooth numbers and mark the
    apex and base of every root.
server:
  addr: ":8000"
segmentation:
  url: "http://localhost:8080"
  timeout: 60s
editor:
  near_threshold: 30
  history_limit: 200
  max_open_sessions: 64
auth:
  admin:
    password: changeme
`
