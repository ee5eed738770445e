package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/backend"
)

const (
	keyConfig  = "modelmux:config"
	keyEvents  = "modelmux:switch_events"
	keyOffline = "modelmux:offline_status"
	keyCache   = "modelmux:offline_cache:"
)

// Redis implements Store backed by a Redis instance, so switch history and
// the offline cache survive engine restarts and are shared between replicas.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedis connects to the given Redis URL and returns a Store.
func NewRedis(addr string) (*Redis, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: c, now: time.Now}, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		} else if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	return opts, nil
}

func (r *Redis) LoadConfig(ctx context.Context) ([]byte, error) {
	b, err := r.client.Get(ctx, keyConfig).Bytes()
	if err == redis.Nil {
		return nil, ErrNoConfig
	}
	return b, err
}

func (r *Redis) SaveConfig(ctx context.Context, doc []byte) error {
	return r.client.Set(ctx, keyConfig, doc, 0).Err()
}

func (r *Redis) SaveSwitchEvent(ctx context.Context, ev backend.SwitchEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, keyEvents, b).Err(); err != nil {
		return err
	}
	return r.client.LTrim(ctx, keyEvents, 0, maxEvents-1).Err()
}

func (r *Redis) SwitchEvents(ctx context.Context, role string, limit int) ([]backend.SwitchEvent, error) {
	raw, err := r.client.LRange(ctx, keyEvents, 0, maxEvents-1).Result()
	if err != nil {
		return nil, err
	}
	var out []backend.SwitchEvent
	for _, item := range raw {
		var ev backend.SwitchEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		if role != "" && ev.Role != role {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Redis) StoreOfflineCache(ctx context.Context, key string, resp backend.Response) error {
	b, err := json.Marshal(backend.CachedResponse{Response: resp, StoredAt: r.now()})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, keyCache+key, b, 0).Err()
}

func (r *Redis) LoadOfflineCache(ctx context.Context, key string) (backend.CachedResponse, bool, error) {
	b, err := r.client.Get(ctx, keyCache+key).Bytes()
	if err == redis.Nil {
		return backend.CachedResponse{}, false, nil
	}
	if err != nil {
		return backend.CachedResponse{}, false, err
	}
	var c backend.CachedResponse
	if err := json.Unmarshal(b, &c); err != nil {
		return backend.CachedResponse{}, false, err
	}
	return c, true, nil
}

func (r *Redis) SaveOfflineStatus(ctx context.Context, st backend.OfflineStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, keyOffline, string(st.Backend), b).Err()
}

func (r *Redis) LoadOfflineStatus(ctx context.Context, id backend.ID) (backend.OfflineStatus, bool, error) {
	b, err := r.client.HGet(ctx, keyOffline, string(id)).Bytes()
	if err == redis.Nil {
		return backend.OfflineStatus{}, false, nil
	}
	if err != nil {
		return backend.OfflineStatus{}, false, err
	}
	var st backend.OfflineStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return backend.OfflineStatus{}, false, err
	}
	return st, true, nil
}
