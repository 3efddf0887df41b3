package storage

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// FileAdapter is the durable, file-backed Adapter. It keeps an in-memory
// cache fronting the filesystem with a dirty set, flushing on a
// configurable interval and on Close — the same "cache + periodic flush"
// shape the teacher's engine applies to its NATS-backed store, generalized
// to plain files. One value is stored per file under Dir; every key is
// hex-encoded into its filename, so path-unsafe characters never reach the
// filesystem and the original key can be recovered when files are loaded.
type FileAdapter struct {
	dir   string
	cache *gocache.Cache
	log   zerolog.Logger

	mu    sync.Mutex
	dirty map[string]struct{}

	stopFlush chan struct{}
	flushDone chan struct{}
}

// FileOptions configures the flush cadence; zero FlushInterval disables the
// background flusher (Close still flushes once).
type FileOptions struct {
	FlushInterval time.Duration
}

// NewFile opens (creating if absent) a file-backed adapter rooted at dir.
func NewFile(dir string, opts FileOptions, log zerolog.Logger) (*FileAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f := &FileAdapter{
		dir:       dir,
		cache:     gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		log:       log.With().Str("component", "storage.file").Logger(),
		dirty:     make(map[string]struct{}),
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	if err := f.loadAll(); err != nil {
		return nil, err
	}
	if opts.FlushInterval > 0 {
		go f.flushLoop(opts.FlushInterval)
	} else {
		close(f.flushDone)
	}
	return f, nil
}

// encodeKey turns an opaque key into a filesystem-safe, reversible name.
func encodeKey(key string) string {
	return hex.EncodeToString([]byte(key))
}

func decodeKey(name string) (string, bool) {
	b, err := hex.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (f *FileAdapter) pathFor(key string) string {
	return filepath.Join(f.dir, encodeKey(key))
}

func (f *FileAdapter) loadAll() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := decodeKey(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			f.log.Warn().Err(err).Str("file", e.Name()).Msg("skip unreadable file on load")
			continue
		}
		f.cache.Set(key, data, gocache.NoExpiration)
	}
	return nil
}

func (f *FileAdapter) flushLoop(interval time.Duration) {
	defer close(f.flushDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := f.flush(); err != nil {
				f.log.Error().Err(err).Msg("periodic flush failed")
			}
		case <-f.stopFlush:
			return
		}
	}
}

// flush writes every dirty key to disk. Write failures are logged, not
// returned — the in-memory cache remains authoritative until the next
// successful write, per spec.md §7's storage-error policy.
func (f *FileAdapter) flush() error {
	f.mu.Lock()
	dirty := f.dirty
	f.dirty = make(map[string]struct{})
	f.mu.Unlock()

	for key := range dirty {
		v, ok := f.cache.Get(key)
		if !ok {
			_ = os.Remove(f.pathFor(key))
			continue
		}
		data, _ := v.([]byte)
		if err := os.WriteFile(f.pathFor(key), data, 0o644); err != nil {
			f.log.Error().Err(err).Str("key", key).Msg("write key to disk")
			f.mu.Lock()
			f.dirty[key] = struct{}{}
			f.mu.Unlock()
		}
	}
	return nil
}

func (f *FileAdapter) markDirty(key string) {
	f.mu.Lock()
	f.dirty[key] = struct{}{}
	f.mu.Unlock()
}

func (f *FileAdapter) Get(key string) ([]byte, bool, error) {
	v, ok := f.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	data, _ := v.([]byte)
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (f *FileAdapter) Set(key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	f.cache.Set(key, cp, gocache.NoExpiration)
	f.markDirty(key)
	return nil
}

func (f *FileAdapter) Delete(key string) error {
	f.cache.Delete(key)
	f.markDirty(key)
	return nil
}

func (f *FileAdapter) Has(key string) (bool, error) {
	_, ok := f.cache.Get(key)
	return ok, nil
}

func (f *FileAdapter) List(prefix string) ([]string, error) {
	var out []string
	for k := range f.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *FileAdapter) Clear() error {
	for k := range f.cache.Items() {
		f.cache.Delete(k)
		f.markDirty(k)
	}
	return f.flush()
}

// Close stops the flush loop (if running) and performs one final flush.
func (f *FileAdapter) Close() error {
	select {
	case <-f.flushDone:
		// flusher never started or already stopped
	default:
		close(f.stopFlush)
		<-f.flushDone
	}
	return f.flush()
}
