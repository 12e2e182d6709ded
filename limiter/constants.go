package limiter

import "time"

// Storage types
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
	StorageMongo    = "mongo"
)

// Failure policies applied when the primary store cannot be reached.
const (
	FailFallback = "fallback" // count the request in the in-memory fallback store
	FailOpen     = "allow"    // allow without counting
	FailClosed   = "deny"     // deny until the store recovers
)

// Defaults applied when the configuration leaves a value unset.
const (
	DefaultWindow        = 15 * time.Minute
	DefaultMaxRequests   = 100
	DefaultSweepInterval = time.Minute
	DefaultKeyPrefix     = "ratelimit:"
)
