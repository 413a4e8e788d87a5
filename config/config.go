// Package config holds the configuration surface enumerated in spec.md §6,
// built with the teacher's functional-options pattern
// (micro-go-micro/registry.Options / Option) plus an optional YAML loader.
package config

import (
	"time"

	"github.com/ghodss/yaml"
)

// Config covers every option spec.md §6 enumerates.
type Config struct {
	ConsulHTTPAddress string      `json:"consul_http_address"`
	Token             string      `json:"token,omitempty"`
	KVPrefix          string      `json:"kv_prefix"`
	Weight            float64     `json:"weight"`
	Delay             float64     `json:"delay"`
	Info              interface{} `json:"info,omitempty"`
	SessionTTL        float64     `json:"session_ttl"`

	Wait               float64 `json:"wait"`
	RateLimit          float64 `json:"rate_limit"`
	RateLimitBurst     int     `json:"rate_limit_burst"`
	RateLimitInitBurst int     `json:"rate_limit_init_burst"`
}

// Default returns a Config with every spec §6 default applied.
func Default() Config {
	return Config{
		ConsulHTTPAddress: "http://localhost:8500",
		SessionTTL:        15,
		Wait:              20,
		RateLimit:         1,
		RateLimitBurst:    10,
		RateLimitInitBurst: 5,
	}
}

type Option func(c *Config)

func Address(addr string) Option    { return func(c *Config) { c.ConsulHTTPAddress = addr } }
func Token(t string) Option         { return func(c *Config) { c.Token = t } }
func Prefix(p string) Option        { return func(c *Config) { c.KVPrefix = p } }
func Weight(w float64) Option       { return func(c *Config) { c.Weight = w } }
func Delay(d time.Duration) Option  { return func(c *Config) { c.Delay = d.Seconds() } }
func Info(v interface{}) Option     { return func(c *Config) { c.Info = v } }
func SessionTTL(d time.Duration) Option {
	return func(c *Config) { c.SessionTTL = d.Seconds() }
}

// New builds a Config from Default() plus opts.
func New(opts ...Option) Config {
	c := Default()
	for _, o := range opts {
		o(&c)
	}
	return c
}

// FromYAML parses a YAML document (using github.com/ghodss/yaml, the
// teacher's own config-encoding dependency) into a Config seeded with
// spec §6 defaults for any field the document omits.
func FromYAML(doc []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
