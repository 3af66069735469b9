package config

import "time"

const (
	DefaultMongoURI          = "mongodb://localhost:27017"
	DefaultMongoDatabaseName = "railbook"
	DefaultMongoConnTimeout  = 10 * time.Second

	DefaultPort     = "8080"
	DefaultLogLevel = "info"

	DefaultHoldTTL         = 5 * time.Minute
	DefaultSeatEventsTopic = "seat-events"
	DefaultPaymentBaseURL  = "http://localhost:9090"
	DefaultSeedDataPath    = "data/trains.json"

	DefaultRateLimitRequests = 10
	DefaultRateLimitWindow   = 1 * time.Minute

	DefaultRequestTimeout = 30 * time.Second
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultMaxRequestSize = 1 * 1024 * 1024 // 1MB

	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultStoreRetryAttempts = 3
	DefaultStoreRetryBackoff  = 50 * time.Millisecond

	DefaultPaginationLimit = 100
)
