/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/apgms/escrow/config"
	"github.com/redis/go-redis/v9"
)

// Redis wraps the shared client used by the lock, the evidence cache and the asynq queues.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseRedisURL accepts either a bare host:port or a redis:// / rediss:// URL.
// A rediss:// URL enables TLS; skipTLSVerify only relaxes certificate checks when TLS is on.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.Contains(rawURL, "://") {
		return &redis.Options{Addr: rawURL}, nil
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true} // #nosec G402
	}
	return opts, nil
}

// SplitAddresses turns the configured DNS (comma separated for clusters) into addresses.
func SplitAddresses(dns string) []string {
	var out []string
	for _, part := range strings.Split(dns, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewRedisClient builds a standalone client for one address and a cluster client otherwise,
// then pings it.
func NewRedisClient(addresses []string, skipTLSVerify bool) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		cluster := &redis.ClusterOptions{}
		for _, addr := range addresses {
			opts, err := ParseRedisURL(addr, skipTLSVerify)
			if err != nil {
				return nil, err
			}
			cluster.Addrs = append(cluster.Addrs, opts.Addr)
			if cluster.Password == "" {
				cluster.Username, cluster.Password = opts.Username, opts.Password
			}
			if opts.TLSConfig != nil {
				cluster.TLSConfig = opts.TLSConfig
			}
		}
		client = redis.NewClusterClient(cluster)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{addresses: addresses, client: client}, nil
}

// FromConfig connects using the redis section of the configuration.
func FromConfig(cfg config.RedisConfig) (*Redis, error) {
	return NewRedisClient(SplitAddresses(cfg.Dns), cfg.SkipTLSVerify)
}

func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) Close() error {
	return r.client.Close()
}
