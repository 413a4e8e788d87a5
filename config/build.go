package config

import (
	"time"

	"github.com/sotheh/tarantool-autovshard/consul"
	"github.com/sotheh/tarantool-autovshard/wlock"
)

// Build wires a Config into a ready-to-use consul.Client and wlock.WLock
// pair: the bridge that lets an operator drive a WLock from a loaded Config
// (e.g. via FromYAML) without any further process wiring.
func Build(c Config) (*consul.Client, *wlock.WLock) {
	client := consul.New(consul.Address(c.ConsulHTTPAddress), consul.Token(c.Token))

	l := wlock.New(
		client,
		c.KVPrefix,
		c.Weight,
		time.Duration(c.Delay*float64(time.Second)),
		c.Info,
		time.Duration(c.SessionTTL*float64(time.Second)),
		wlock.WatchWait(time.Duration(c.Wait*float64(time.Second))),
		wlock.RateLimit(c.RateLimit, c.RateLimitBurst, c.RateLimitInitBurst),
	)
	return client, l
}
