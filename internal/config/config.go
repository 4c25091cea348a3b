package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LeaseHold    = "hold"
	LeaseRequeue = "requeue"

	DedupMemory = "memory"
	DedupRedis  = "redis"
)

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DirectoryDB string
	HistoryURL  string
	HTTPAddr    string

	PollInterval  time.Duration
	RetryBackoff  time.Duration
	Cooldown      time.Duration
	LeaseTTL      time.Duration
	LeasePolicy   string
	TaskRetention time.Duration

	HealthInterval time.Duration
	SyncInterval   time.Duration
	NotifyInterval time.Duration
	WebhookURL     string
	DedupBackend   string

	ADBPath    string
	ADBHost    string
	ADBPort    int
	BaseWidth  int
	BaseHeight int
}

// Load reads an optional .env file from the working directory and then the process
// environment. Values already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return FromEnv(os.Getenv), nil
}

// FromEnv builds a Config from a lookup function. Missing or malformed numbers take the default.
func FromEnv(getenv func(string) string) Config {
	e := env(getenv)
	return Config{
		RedisAddr:     e.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		RedisDB:       e.num("REDIS_DB", 0),

		DirectoryDB: e.str("DIRECTORY_DB", "devices.db"),
		HistoryURL:  e.str("HISTORY_DATABASE_URL", ""),
		HTTPAddr:    e.str("HTTP_ADDR", ":"+e.str("PORT", "8080")),

		PollInterval:  e.millis("POLLING_INTERVAL", 1500),
		RetryBackoff:  e.millis("RETRY_BACKOFF", 2000),
		Cooldown:      e.millis("WORKER_COOLDOWN", 5000),
		LeaseTTL:      time.Duration(e.num("LEASE_TTL", 300)) * time.Second,
		LeasePolicy:   e.oneOf("LEASE_EXPIRY_POLICY", LeaseHold, LeaseRequeue),
		TaskRetention: time.Duration(e.num("TASK_RETENTION_HOURS", 24)) * time.Hour,

		HealthInterval: e.millis("HEALTH_CHECK_INTERVAL", 30000),
		SyncInterval:   e.millis("SYNC_INTERVAL", 60000),
		NotifyInterval: e.millis("NOTIFICATION_INTERVAL", 3000),
		WebhookURL:     e.str("N8N_WEBHOOK_URL", ""),
		DedupBackend:   e.oneOf("DEDUP_BACKEND", DedupMemory, DedupRedis),

		ADBPath:    e.str("ADB_PATH", ""),
		ADBHost:    e.str("ADB_HOST", "localhost"),
		ADBPort:    e.num("ADB_PORT", 5037),
		BaseWidth:  e.num("BASE_WIDTH", 720),
		BaseHeight: e.num("BASE_HEIGHT", 1600),
	}
}

type env func(string) string

func (e env) str(key, def string) string {
	if v := strings.TrimSpace(e(key)); v != "" {
		return v
	}
	return def
}

func (e env) num(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(e(key)))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (e env) millis(key string, def int) time.Duration {
	return time.Duration(e.num(key, def)) * time.Millisecond
}

// oneOf returns the value when it is one of allowed, else allowed[0].
func (e env) oneOf(key string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(e(key)))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return allowed[0]
}
