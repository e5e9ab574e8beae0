// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tempPrefix = ".tmp-"

func init() {
	Register(TypeLocal, NewLocal)
}

// Local stores keys as files under basePath.
type Local struct {
	basePath string
	sync     bool
}

// NewLocal creates a local filesystem backend
func NewLocal(cfg Config) (Storage, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path required for local backend")
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}

	return &Local{basePath: cfg.Path, sync: cfg.Sync}, nil
}

// Root returns the directory keys are stored under.
func (l *Local) Root() string {
	return l.basePath
}

func (l *Local) Type() Type {
	return TypeLocal
}

func (l *Local) path(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(key))
}

// Write streams into a temp file next to the target and renames it into
// place, so readers never observe a partial value and concurrent writers of
// the same key leave one complete copy.
func (l *Local) Write(ctx context.Context, key string, data io.Reader, size int64) error {
	path := l.path(key)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmp := f.Name()

	if size > 0 {
		_ = Fallocate(f, size)
	}

	n, err := io.Copy(f, data)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write data: %w", err)
	}
	if err := checkSize(key, size, n); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if l.sync {
		if err := Fdatasync(f); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("sync: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (l *Local) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return f, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *Local) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(l.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, err
	}
	return info.Size(), nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(l.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeletePrefix removes the matching keys and then any directory the prefix
// names, so "abc123/" removes the abc123 directory itself.
func (l *Local) DeletePrefix(ctx context.Context, prefix string) error {
	if strings.HasSuffix(prefix, "/") && strings.Trim(prefix, "/") != "" {
		dir := l.path(strings.TrimSuffix(prefix, "/"))
		if !strings.HasPrefix(dir, filepath.Clean(l.basePath)+string(filepath.Separator)) {
			return fmt.Errorf("prefix escapes base path: %s", prefix)
		}
		return os.RemoveAll(dir)
	}

	objs, err := l.List(ctx, prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range objs {
		if err := l.Delete(ctx, o.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Local) Close() error {
	return nil
}
