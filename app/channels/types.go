package channels

import "time"

type Config struct {
	Name      string   `yaml:"-"`
	ChannelID string   `yaml:"channel_id"`
	UserID    *int64   `yaml:"user_id"`
	Settings  Settings `yaml:"settings"`
}

type Settings struct {
	Enabled      bool `yaml:"enabled"`
	SyncInterval int  `yaml:"sync_interval"` // seconds
}

func (s Settings) GetSyncInterval() time.Duration {
	if s.SyncInterval <= 0 {
		return time.Hour
	}
	return time.Duration(s.SyncInterval) * time.Second
}

// IsDue reports whether a channel last synced at lastSynced should sync
// again at now. A channel that never completed a pass is always due.
func (c *Config) IsDue(lastSynced *time.Time, now time.Time) bool {
	if lastSynced == nil {
		return true
	}
	return !lastSynced.Add(c.Settings.GetSyncInterval()).After(now)
}
