// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the byte stores that chunks and backed-up HLS
// files live in. Keys are slash-separated; the first element is the transfer
// or video id, so a whole transfer or backup can be listed and dropped by
// prefix.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Type identifies the backend implementation
type Type string

const (
	TypeLocal  Type = "local"
	TypeMemory Type = "memory"
	TypeS3     Type = "s3"
)

var (
	ErrNotFound = errors.New("key not found")

	// ErrSizeMismatch is returned by Write when the body length differs from
	// the declared size.
	ErrSizeMismatch = errors.New("size mismatch")
)

func checkSize(key string, size, n int64) error {
	if size > 0 && n != size {
		return fmt.Errorf("%w: %s: declared %d, got %d", ErrSizeMismatch, key, size, n)
	}
	return nil
}

// ObjectInfo describes one stored key.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Storage is the interface every backend implements.
type Storage interface {
	Type() Type

	// Write stores data under key, replacing any previous value atomically.
	// A positive size must match the body length; nothing is stored
	// otherwise.
	Write(ctx context.Context, key string, data io.Reader, size int64) error

	// Read opens key. Missing keys return ErrNotFound.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	Size(ctx context.Context, key string) (int64, error)

	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeletePrefix removes every key under prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	Close() error
}

// Config contains configuration for creating a backend
type Config struct {
	Type      Type   `mapstructure:"type"`
	Path      string `mapstructure:"path"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// Sync flushes file data to disk before a local write returns.
	Sync bool `mapstructure:"sync"`
}

// Factory creates a Storage from config
type Factory func(cfg Config) (Storage, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Type]Factory)
)

// Register adds a factory for a storage type
func Register(t Type, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

// New creates a Storage from config
func New(cfg Config) (Storage, error) {
	if cfg.Type == "" {
		cfg.Type = TypeLocal
	}

	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
	return f(cfg)
}
