// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"hash/fnv"
	"sync"
)

const numLockShards = 64

// KeyedMutex serializes work per key (a video id, a transfer id) using a fixed
// set of striped locks. Two keys may share a stripe; callers must not hold one
// key's lock while taking another's.
type KeyedMutex struct {
	shards [numLockShards]sync.Mutex
}

func (k *KeyedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.shards[h.Sum32()%numLockShards]
}

// Lock locks key and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}
