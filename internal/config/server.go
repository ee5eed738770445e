package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds configuration for the modelmux server binary.
type ServerConfig struct {
	Port           int
	APIKey         string
	WorkerKey      string
	WSPath         string
	RequestTimeout time.Duration
	RedisAddr      string
	ConfigFile     string
	AllowedOrigins []string
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ServerConfig) BindFlags() {
	port, _ := strconv.Atoi(getEnv("PORT", "8080"))
	c.Port = port
	c.APIKey = getEnv("API_KEY", "")
	c.WorkerKey = getEnv("WORKER_KEY", "")
	c.WSPath = getEnv("WS_PATH", "/api/backends/connect")
	rt, _ := time.ParseDuration(getEnv("REQUEST_TIMEOUT", "60s"))
	c.RequestTimeout = rt
	c.RedisAddr = getEnv("REDIS_ADDR", "")
	c.ConfigFile = getEnv("CONFIG_FILE", "")
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}

	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for HTTP requests; leave empty to disable auth")
	flag.StringVar(&c.WorkerKey, "worker-key", c.WorkerKey, "shared key backends must present when registering")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "path remote backends use to establish WebSocket connections")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum duration to process a client request")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis URL for the persistence store; empty uses in-memory")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "path to the engine yaml config file")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
