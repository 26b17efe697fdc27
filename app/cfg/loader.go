package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

const maxVideosLimit = 1000

var ErrNoAPIKeys = errors.New("at least one YouTube API key is required")

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Database configuration
	DBDriver   string `long:"db-driver" env:"DB_DRIVER" default:"postgres" choice:"postgres" choice:"sqlite" description:"Database driver"`
	DBHost     string `long:"db-host" env:"DB_HOST" default:"localhost" description:"Database host"`
	DBPort     string `long:"db-port" env:"DB_PORT" default:"5432" description:"Database port"`
	DBUser     string `long:"db-user" env:"DB_USER" default:"tube_user" description:"Database user"`
	DBPassword string `long:"db-password" env:"DB_PASSWORD" description:"Database password (required for postgres)"`
	DBName     string `long:"db-name" env:"DB_NAME" default:"tube_comb" description:"Database name"`
	DBSSLMode  string `long:"db-sslmode" env:"DB_SSLMODE" default:"disable" description:"Postgres sslmode"`
	DBPath     string `long:"db-path" env:"DB_PATH" default:"./tube-comb.db" description:"SQLite database file"`

	// Cache configuration
	RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address (in-memory cache when empty)"`
	RedisPassword string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	RedisDB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`

	// YouTube configuration
	YouTubeAPIKeys   []string `long:"youtube-api-key" env:"YOUTUBE_API_KEYS" env-delim:"," description:"YouTube Data API key (repeat the flag or comma-separate the env var)"`
	QuotaPerKey      int      `long:"quota-per-key" env:"QUOTA_PER_KEY" default:"10000" description:"Daily quota units per API key"`
	FetchRetries     int      `long:"fetch-retries" env:"FETCH_RETRIES" default:"3" description:"Retries for transient YouTube errors"`
	FetchTimeout     int      `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30" description:"Timeout in seconds for one YouTube call"`
	MaxVideosInitial int      `long:"max-videos-initial" env:"MAX_VIDEOS_INITIAL" default:"0" description:"Video cap for a first sync (0 = unlimited)"`
	MaxVideosPerRun  int      `long:"max-videos-per-run" env:"MAX_VIDEOS_PER_RUN" default:"0" description:"Video cap for follow-up and refresh runs (0 = unlimited)"`
	CommentsPerVideo int      `long:"comments-per-video" env:"COMMENTS_PER_VIDEO" default:"20" description:"Top-level comments fetched per new video (0 = disabled)"`
	DisableFeedCheck bool     `long:"disable-feed-check" env:"DISABLE_FEED_CHECK" description:"Always run follow-up passes instead of checking the channel feed first"`

	// Application configuration
	ChannelsDir       string `long:"channels-dir" env:"CHANNELS_DIR" default:"./channels" description:"Directory containing channel configuration files"`
	Port              string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	WorkerCount       int    `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of background workers"`
	SchedulerInterval int    `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"30" description:"Scheduler interval in seconds"`
	OutboxBatchSize   int    `long:"outbox-batch-size" env:"OUTBOX_BATCH_SIZE" default:"100" description:"Outbox records relayed per drain"`
	APIAccessKey      string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Tube Comb/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	return load(nil)
}

func load(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	var err error
	if args == nil {
		_, err = parser.Parse()
	} else {
		_, err = parser.ParseArgs(args)
	}
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBDriver:          raw.DBDriver,
		DBHost:            raw.DBHost,
		DBPort:            raw.DBPort,
		DBUser:            raw.DBUser,
		DBPassword:        raw.DBPassword,
		DBName:            raw.DBName,
		DBSSLMode:         raw.DBSSLMode,
		DBPath:            raw.DBPath,
		RedisAddr:         raw.RedisAddr,
		RedisPassword:     raw.RedisPassword,
		RedisDB:           raw.RedisDB,
		YouTubeAPIKeys:    cleanKeys(raw.YouTubeAPIKeys),
		QuotaPerKey:       raw.QuotaPerKey,
		FetchRetries:      raw.FetchRetries,
		FetchTimeout:      raw.FetchTimeout,
		MaxVideosInitial:  raw.MaxVideosInitial,
		MaxVideosPerRun:   raw.MaxVideosPerRun,
		CommentsPerVideo:  raw.CommentsPerVideo,
		DisableFeedCheck:  raw.DisableFeedCheck,
		ChannelsDir:       raw.ChannelsDir,
		Port:              raw.Port,
		WorkerCount:       raw.WorkerCount,
		SchedulerInterval: raw.SchedulerInterval,
		OutboxBatchSize:   raw.OutboxBatchSize,
		APIAccessKey:      raw.APIAccessKey,
		UserAgent:         raw.UserAgent,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

// Validate checks ranges and cross-field rules that go-flags cannot express.
func (c *Cfg) Validate() error {
	switch c.DBDriver {
	case "postgres":
		if c.DBPassword == "" {
			return fmt.Errorf("db-password is required for the postgres driver")
		}
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("db-path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported db-driver %q", c.DBDriver)
	}

	if len(c.YouTubeAPIKeys) == 0 {
		return ErrNoAPIKeys
	}
	if c.QuotaPerKey <= 0 {
		return fmt.Errorf("quota-per-key must be positive, got %d", c.QuotaPerKey)
	}
	if c.MaxVideosInitial < 0 || c.MaxVideosInitial > maxVideosLimit {
		return fmt.Errorf("max-videos-initial must be between 0 and %d, got %d", maxVideosLimit, c.MaxVideosInitial)
	}
	if c.MaxVideosPerRun < 0 || c.MaxVideosPerRun > maxVideosLimit {
		return fmt.Errorf("max-videos-per-run must be between 0 and %d, got %d", maxVideosLimit, c.MaxVideosPerRun)
	}
	if c.CommentsPerVideo < 0 || c.CommentsPerVideo > 100 {
		return fmt.Errorf("comments-per-video must be between 0 and 100, got %d", c.CommentsPerVideo)
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("fetch-retries must not be negative, got %d", c.FetchRetries)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch-timeout must be positive, got %d", c.FetchTimeout)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker-count must be positive, got %d", c.WorkerCount)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler-interval must be positive, got %d", c.SchedulerInterval)
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("outbox-batch-size must be positive, got %d", c.OutboxBatchSize)
	}

	return nil
}

func cleanKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			out = append(out, key)
		}
	}
	return out
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
