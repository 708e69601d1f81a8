package redis

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ClientOptions builds client options from either a redis:// (or
// rediss://) URL or a bare host:port address.
func ClientOptions(addr string) (*redis.Options, error) {
	if !strings.Contains(addr, "://") {
		if addr == "" {
			return nil, fmt.Errorf("redis address is empty")
		}
		return &redis.Options{Addr: addr}, nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opts, nil
}
