// Package config loads the service configuration once at startup.
//
// Values come from the process environment, optionally seeded from .env
// files. The resulting *Config is never mutated after Load returns.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the immutable service configuration.
type Config struct {
	ListenAddr string

	// BaseURL is the Discord API origin, e.g. https://discord.com.
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	PlatformName string
	InviteURL    string

	ResolverURL     string
	ResolverSecret  string
	ResolverTimeout time.Duration
	HTTPTimeout     time.Duration

	// CookieKey seals the clientState cookie. Randomly generated when unset,
	// which invalidates in-flight logins on restart.
	CookieKey    []byte
	CookieSecure bool

	LogEnv   string
	LogLevel string
}

// rawEnv mirrors the recognised environment variables.
type rawEnv struct {
	ListenAddr      string        `env:"LISTEN_ADDR"           envDefault:":5005"`
	BaseURL         string        `env:"BASE_URL"              envDefault:"https://example.com"`
	ClientID        string        `env:"DISCORD_CLIENT_ID"`
	ClientSecret    string        `env:"DISCORD_CLIENT_SECRET"`
	RedirectURI     string        `env:"DISCORD_REDIRECT_URI"`
	PlatformName    string        `env:"PLATFORM_NAME"         envDefault:"Eligibility"`
	InviteURL       string        `env:"INVITE_URL"            envDefault:"https://discord.gg/tradecentral"`
	IPCSecret       string        `env:"IPC_SECRET"`
	IPCHost         string        `env:"IPC_HOST"              envDefault:"bot"`
	ResolverURL     string        `env:"RESOLVER_URL"`
	ResolverTimeout time.Duration `env:"RESOLVER_TIMEOUT"      envDefault:"5s"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT"          envDefault:"10s"`
	CookieKey       string        `env:"COOKIE_KEY"`
	CookieSecure    bool          `env:"COOKIE_SECURE"         envDefault:"true"`
	LogEnv          string        `env:"LOG_ENV"               envDefault:"dev"`
	LogLevel        string        `env:"LOG_LEVEL"             envDefault:"info"`
}

// cookieKeySize matches middleware.DefaultAEADKeysize.
const cookieKeySize = 32

// minIPCSecretLen is the smallest HS256 key go-jose accepts.
const minIPCSecretLen = 32

// Load reads envFiles into the process environment (a missing default .env is
// ignored) and parses the configuration from it.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return nil, parseError(err)
	}
	return build(raw)
}

// Parse builds a Config from an explicit environment instead of the process
// environment.
func Parse(environ map[string]string) (*Config, error) {
	var raw rawEnv
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ}); err != nil {
		return nil, parseError(err)
	}
	return build(raw)
}

// parseError names the offending variables; env reports struct field names.
func parseError(err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return fmt.Errorf("parse env: %w", err)
	}
	msgs := make([]string, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			msgs = append(msgs, fmt.Sprintf("%s: %v", envName(pe.Name), pe.Err))
			continue
		}
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("parse env: %s: %w", strings.Join(msgs, "; "), err)
}

// envName maps a rawEnv field to its variable name.
func envName(field string) string {
	if sf, ok := reflect.TypeOf(rawEnv{}).FieldByName(field); ok {
		if name := sf.Tag.Get("env"); name != "" {
			return name
		}
	}
	return field
}

func build(raw rawEnv) (*Config, error) {
	var missing []string
	if raw.ClientID == "" {
		missing = append(missing, "DISCORD_CLIENT_ID")
	}
	if raw.ClientSecret == "" {
		missing = append(missing, "DISCORD_CLIENT_SECRET")
	}
	if raw.RedirectURI == "" {
		missing = append(missing, "DISCORD_REDIRECT_URI")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required variables: %s", strings.Join(missing, ", "))
	}

	base, err := url.Parse(raw.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("BASE_URL must be an absolute URL, got %q", raw.BaseURL)
	}
	if raw.ResolverTimeout <= 0 {
		return nil, errors.New("RESOLVER_TIMEOUT must be positive")
	}
	if raw.HTTPTimeout <= 0 {
		return nil, errors.New("HTTP_TIMEOUT must be positive")
	}
	if raw.IPCSecret != "" && len(raw.IPCSecret) < minIPCSecretLen {
		return nil, fmt.Errorf("IPC_SECRET must be at least %d bytes", minIPCSecretLen)
	}

	resolverURL := raw.ResolverURL
	if resolverURL == "" {
		resolverURL = "http://" + raw.IPCHost + ":8765/rpc"
	}

	key, err := cookieKey(raw.CookieKey)
	if err != nil {
		return nil, err
	}

	return &Config{
		ListenAddr:      raw.ListenAddr,
		BaseURL:         strings.TrimRight(raw.BaseURL, "/"),
		ClientID:        raw.ClientID,
		ClientSecret:    raw.ClientSecret,
		RedirectURI:     raw.RedirectURI,
		PlatformName:    raw.PlatformName,
		InviteURL:       raw.InviteURL,
		ResolverURL:     resolverURL,
		ResolverSecret:  raw.IPCSecret,
		ResolverTimeout: raw.ResolverTimeout,
		HTTPTimeout:     raw.HTTPTimeout,
		CookieKey:       key,
		CookieSecure:    raw.CookieSecure,
		LogEnv:          raw.LogEnv,
		LogLevel:        raw.LogLevel,
	}, nil
}

func cookieKey(encoded string) ([]byte, error) {
	if encoded == "" {
		key := make([]byte, cookieKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate cookie key: %w", err)
		}
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("COOKIE_KEY is not valid base64: %w", err)
	}
	if len(key) != cookieKeySize {
		return nil, fmt.Errorf("COOKIE_KEY must decode to %d bytes, got %d", cookieKeySize, len(key))
	}
	return key, nil
}

// String describes the configuration without secrets.
func (c *Config) String() string {
	return fmt.Sprintf("listen=%s base_url=%s client_id=%s redirect_uri=%s resolver=%s resolver_timeout=%s secure_cookie=%t",
		c.ListenAddr, c.BaseURL, c.ClientID, c.RedirectURI, c.ResolverURL, c.ResolverTimeout, c.CookieSecure)
}
