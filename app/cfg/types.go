package cfg

type Cfg struct {
	// Database configuration
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPath     string

	// Cache configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// YouTube configuration
	YouTubeAPIKeys   []string
	QuotaPerKey      int
	FetchRetries     int
	FetchTimeout     int
	MaxVideosInitial int
	MaxVideosPerRun  int
	CommentsPerVideo int
	DisableFeedCheck bool

	// Application configuration
	ChannelsDir       string
	Port              string
	WorkerCount       int
	SchedulerInterval int
	OutboxBatchSize   int
	APIAccessKey      string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
