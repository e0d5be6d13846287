package config

// RedisConfig configures the shared Redis connection used by both the lock
// service and the work queue broker, grounded on itsneelabh-gomind's
// core.RedisClientOptions (URL + DB + namespace shape).
type RedisConfig struct {
	URL       string `validate:"required"`
	DB        int
	Namespace string
}

func loadRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:       getenv("REDIS_URL", "redis://localhost:6379/0"),
		DB:        getenvInt("REDIS_DB", 0),
		Namespace: getenv("REDIS_NAMESPACE", "orchestrator"),
	}
}
