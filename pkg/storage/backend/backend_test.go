package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Registry Tests
// ============================================================================

func TestRegister_CustomType(t *testing.T) {
	t.Parallel()

	customType := Type("test-custom")
	Register(customType, func(cfg Config) (Storage, error) {
		return NewMemoryStorage(), nil
	})

	backend, err := New(Config{Type: customType})
	require.NoError(t, err)
	defer backend.Close()

	assert.Equal(t, TypeMemory, backend.Type())
}

func TestNew_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Type: "unknown-type"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestNew_DefaultsToLocal(t *testing.T) {
	t.Parallel()

	backend, err := New(Config{Path: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, backend.Type())
}

func TestNew_LocalRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Type: TypeLocal})
	require.Error(t, err)
}

func TestNew_S3RequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Type: TypeS3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket required")
}

// ============================================================================
// Shared behaviour for local and memory
// ============================================================================

func storages(t *testing.T) map[string]Storage {
	local, err := NewLocal(Config{Path: t.TempDir(), Sync: true})
	require.NoError(t, err)
	return map[string]Storage{
		"local":  local,
		"memory": NewMemoryStorage(),
	}
}

func write(t *testing.T, s Storage, key, value string) {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), key, strings.NewReader(value), int64(len(value))))
}

func TestStorage_WriteReadOverwrite(t *testing.T) {
	t.Parallel()

	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			write(t, s, "abc/0", "first")
			write(t, s, "abc/0", "second")

			r, err := s.Read(ctx, "abc/0")
			require.NoError(t, err)
			data, err := io.ReadAll(r)
			r.Close()
			require.NoError(t, err)
			assert.Equal(t, "second", string(data))

			size, err := s.Size(ctx, "abc/0")
			require.NoError(t, err)
			assert.Equal(t, int64(6), size)
		})
	}
}

func TestStorage_MissingKey(t *testing.T) {
	t.Parallel()

	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Read(ctx, "nope/1")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Size(ctx, "nope/1")
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := s.Exists(ctx, "nope/1")
			require.NoError(t, err)
			assert.False(t, ok)

			assert.NoError(t, s.Delete(ctx, "nope/1"))
		})
	}
}

func TestStorage_WriteRejectsSizeMismatch(t *testing.T) {
	t.Parallel()

	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := s.Write(ctx, "short/0", strings.NewReader("abc"), 10)
			require.ErrorIs(t, err, ErrSizeMismatch)

			err = s.Write(ctx, "long/0", strings.NewReader("abcdef"), 2)
			require.ErrorIs(t, err, ErrSizeMismatch)

			for _, prefix := range []string{"short/", "long/"} {
				objs, err := s.List(ctx, prefix)
				require.NoError(t, err)
				assert.Empty(t, objs)
			}

			// Unknown size is accepted as is.
			require.NoError(t, s.Write(ctx, "unknown/0", strings.NewReader("abc"), -1))
			n, err := s.Size(ctx, "unknown/0")
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
		})
	}
}

func TestStorage_ListAndDeletePrefix(t *testing.T) {
	t.Parallel()

	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			write(t, s, "t1/0", "a")
			write(t, s, "t1/1", "bb")
			write(t, s, "t2/0", "c")

			objs, err := s.List(ctx, "t1/")
			require.NoError(t, err)
			require.Len(t, objs, 2)
			assert.Equal(t, ObjectInfo{Key: "t1/0", Size: 1}, objs[0])
			assert.Equal(t, ObjectInfo{Key: "t1/1", Size: 2}, objs[1])

			require.NoError(t, s.DeletePrefix(ctx, "t1/"))

			objs, err = s.List(ctx, "t1/")
			require.NoError(t, err)
			assert.Empty(t, objs)

			ok, err := s.Exists(ctx, "t2/0")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStorage_ConcurrentWritesSameKey(t *testing.T) {
	t.Parallel()

	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			payload := bytes.Repeat([]byte("x"), 64*1024)
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, s.Write(context.Background(), "race/0", bytes.NewReader(payload), int64(len(payload))))
				}()
			}
			wg.Wait()

			size, err := s.Size(context.Background(), "race/0")
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), size)
		})
	}
}

// ============================================================================
// Local specifics
// ============================================================================

func TestLocal_RemovesDirectoryOnDeletePrefix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewLocal(Config{Path: dir})
	require.NoError(t, err)

	write(t, s, "abc123/0", "data")
	require.DirExists(t, filepath.Join(dir, "abc123"))

	require.NoError(t, s.DeletePrefix(context.Background(), "abc123/"))
	_, err = os.Stat(filepath.Join(dir, "abc123"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocal_DeletePrefixRejectsEscape(t *testing.T) {
	t.Parallel()

	s, err := NewLocal(Config{Path: t.TempDir()})
	require.NoError(t, err)

	err = s.DeletePrefix(context.Background(), "../")
	assert.Error(t, err)
}

func TestLocal_ListSkipsTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewLocal(Config{Path: dir})
	require.NoError(t, err)

	write(t, s, "v/seg.ts", "ts")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v", tempPrefix+"123"), []byte("partial"), 0644))

	objs, err := s.List(context.Background(), "v/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "v/seg.ts", objs[0].Key)
}

func TestMemory_CountsWrites(t *testing.T) {
	t.Parallel()

	m := NewMemoryStorage()
	write(t, m, "k", "1")
	write(t, m, "k", "2")
	assert.Equal(t, 2, m.Writes("k"))
}
