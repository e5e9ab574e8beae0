// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

var ErrUnsafeName = errors.New("unsafe file name")

// EnsureWritableDir creates dir if needed and checks that it is writable.
func EnsureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", dir, os.ErrInvalid)
	}
	if info.Mode().Perm()&0200 == 0 {
		return fmt.Errorf("%s: %w", dir, os.ErrPermission)
	}
	return nil
}

// SafeName reports whether name is a single path element that cannot escape
// the directory it is joined to.
func SafeName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrUnsafeName
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return ErrUnsafeName
	}
	if filepath.Base(name) != name {
		return ErrUnsafeName
	}
	return nil
}

func ResolvePath(path string) string {
	if !strings.Contains(path, "~") {
		return path
	}

	if path == "~" {
		if usr, err := user.Current(); err == nil {
			path = usr.HomeDir
		}
	} else if strings.HasPrefix(path, "~/") {
		if usr, err := user.Current(); err == nil {
			path = filepath.Join(usr.HomeDir, path[2:])
		}
	}

	path = os.ExpandEnv(path)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return path
}
