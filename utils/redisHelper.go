package utils

import (
	"os"
	"strconv"
	"time"

	"github.com/ledgerlink/finance_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* Redis */

// StoreCache serializes obj under key with the configured lifespan.
// A nil redis client makes this a no-op.
func StoreCache[T any](key string, obj *T) error {
	return config.SetRedisObject(key, obj, GetCacheLifespan())
}

// RetrieveCache reads a cached instance.
// Returns nil if the key does not exist.
func RetrieveCache[T any](key string) (*T, error) {
	var result *T
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// InvalidateCache removes cached instances after a write.
func InvalidateCache(keys ...string) error {
	return config.RemoveRedisKey(keys...)
}
