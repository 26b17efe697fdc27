package cfg

import (
	"errors"
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}

	version := GetVersion()
	if version != "dev" && version != "unknown" {
		t.Logf("Version: %s", version)
	}
}

func validCfg() *Cfg {
	return &Cfg{
		DBDriver:          "sqlite",
		DBPath:            ":memory:",
		YouTubeAPIKeys:    []string{"key-1"},
		QuotaPerKey:       10000,
		FetchRetries:      3,
		FetchTimeout:      30,
		CommentsPerVideo:  20,
		WorkerCount:       5,
		SchedulerInterval: 30,
		OutboxBatchSize:   100,
	}
}

func TestLoadFromArgs(t *testing.T) {
	c, err := load([]string{
		"--db-driver", "sqlite",
		"--db-path", "/tmp/test.db",
		"--youtube-api-key", "key-1",
		"--youtube-api-key", " key-2 ",
		"--max-videos-initial", "200",
		"--channels-dir", "./testdata",
		"--disable-feed-check",
		"--debug",
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if c.DBDriver != "sqlite" {
		t.Errorf("Expected driver 'sqlite', got '%s'", c.DBDriver)
	}
	if c.DBPath != "/tmp/test.db" {
		t.Errorf("Expected db path '/tmp/test.db', got '%s'", c.DBPath)
	}
	if len(c.YouTubeAPIKeys) != 2 || c.YouTubeAPIKeys[1] != "key-2" {
		t.Errorf("Expected keys [key-1 key-2], got %v", c.YouTubeAPIKeys)
	}
	if c.QuotaPerKey != 10000 {
		t.Errorf("Expected quota per key 10000, got %d", c.QuotaPerKey)
	}
	if c.MaxVideosInitial != 200 {
		t.Errorf("Expected max videos initial 200, got %d", c.MaxVideosInitial)
	}
	if c.CommentsPerVideo != 20 {
		t.Errorf("Expected comments per video 20, got %d", c.CommentsPerVideo)
	}
	if c.ChannelsDir != "./testdata" {
		t.Errorf("Expected channels dir './testdata', got '%s'", c.ChannelsDir)
	}
	if !c.DisableFeedCheck {
		t.Error("Expected feed check to be disabled")
	}
	if !c.Debug {
		t.Error("Expected debug to be enabled")
	}
	if Get() != c {
		t.Error("Expected Get to return the loaded configuration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Cfg)
		errMsg string
	}{
		{"valid", func(c *Cfg) {}, ""},
		{"postgres without password", func(c *Cfg) { c.DBDriver = "postgres" }, "db-password"},
		{"postgres with password", func(c *Cfg) { c.DBDriver = "postgres"; c.DBPassword = "pw" }, ""},
		{"sqlite without path", func(c *Cfg) { c.DBPath = "" }, "db-path"},
		{"unknown driver", func(c *Cfg) { c.DBDriver = "mysql" }, "unsupported db-driver"},
		{"no keys", func(c *Cfg) { c.YouTubeAPIKeys = nil }, "API key"},
		{"zero quota", func(c *Cfg) { c.QuotaPerKey = 0 }, "quota-per-key"},
		{"initial cap too large", func(c *Cfg) { c.MaxVideosInitial = 1001 }, "max-videos-initial"},
		{"initial cap at limit", func(c *Cfg) { c.MaxVideosInitial = 1000 }, ""},
		{"negative per-run cap", func(c *Cfg) { c.MaxVideosPerRun = -1 }, "max-videos-per-run"},
		{"too many comments", func(c *Cfg) { c.CommentsPerVideo = 101 }, "comments-per-video"},
		{"comments disabled", func(c *Cfg) { c.CommentsPerVideo = 0 }, ""},
		{"zero workers", func(c *Cfg) { c.WorkerCount = 0 }, "worker-count"},
		{"zero interval", func(c *Cfg) { c.SchedulerInterval = 0 }, "scheduler-interval"},
		{"zero batch", func(c *Cfg) { c.OutboxBatchSize = 0 }, "outbox-batch-size"},
		{"zero timeout", func(c *Cfg) { c.FetchTimeout = 0 }, "fetch-timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCfg()
			tt.modify(c)

			err := c.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing '%s', got nil", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateNoKeysSentinel(t *testing.T) {
	c := validCfg()
	c.YouTubeAPIKeys = nil

	if err := c.Validate(); !errors.Is(err, ErrNoAPIKeys) {
		t.Errorf("Expected ErrNoAPIKeys, got %v", err)
	}
}

func TestCleanKeys(t *testing.T) {
	keys := cleanKeys([]string{" a ", "", "  ", "b"})
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Expected [a b], got %v", keys)
	}
}
