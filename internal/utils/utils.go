package utils

import (
	"hash/fnv"
	"time"
)

// ShardIndex 計算分片索引
func ShardIndex(totalShards uint64, key string) uint64 {
	if totalShards <= 1 {
		return 0
	}
	h := fnv.New64a()
	if _, err := h.Write([]byte(key)); err != nil {
		return 0
	}
	return h.Sum64() % totalShards
}

// ExpirationOrDefault returns ttl when positive, otherwise defaultTTL.
func ExpirationOrDefault(defaultTTL, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return defaultTTL
}
