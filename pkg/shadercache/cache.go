// Package shadercache caches compiled shader bytecode on disk.
//
// Each shader source is identified by a key (normally its asset path). The
// cache keeps a small persistent index in Badger:
//
//	key -> {content_hash, options_hash, artifact_path, timestamp}
//
// Hashes are BLAKE2b-256 over the source bytes and over the canonical form
// of the compile options. A compile is a hit when both hashes match the
// indexed entry and the artifact is still on disk; otherwise the source is
// compiled, the artifact written and the index updated. The index and the
// artifacts survive process restarts.
//
// Layout:
//
//	<dir>/index/                      badger database
//	<dir>/artifacts/<c>-<o>.bin       bytecode
//	<dir>/artifacts/<c>-<o>.json      reflection sidecar
//
// Example Usage:
//
//	cache, err := shadercache.Open(shadercache.Options{
//		Dir:      ".assetcore/shadercache",
//		Compiler: myCompiler,
//		Logger:   logger,
//	})
//	if err != nil {
//		return err
//	}
//	defer cache.Close()
//
//	bytecode, refl, err := cache.CompileKeyed(ctx, "shaders/lit.frag", src, opts)
//
// Concurrent compiles of the same key and content collapse into one
// compiler invocation.
package shadercache

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/assetcore/pkg/decode"
	"github.com/orneryd/assetcore/pkg/logging"
)

// Errors
var (
	ErrNoCompiler = errors.New("shadercache: no compiler configured")
	ErrClosed     = errors.New("shadercache: closed")
	ErrEmptyKey   = errors.New("shadercache: empty key")
)

var keyPrefix = []byte("shader:")

// Entry is one index record.
type Entry struct {
	Key          string    `json:"key"`
	ContentHash  string    `json:"content_hash"`
	OptionsHash  string    `json:"options_hash"`
	ArtifactPath string    `json:"artifact_path"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stats counts cache outcomes.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Errors  int64 `json:"errors"`
	Entries int   `json:"entries"`
}

// Options configures Open.
type Options struct {
	// Dir holds the index and artifacts. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the index in memory and artifacts in a temporary
	// directory removed on Close.
	InMemory bool

	Compiler decode.Compiler
	Logger   *zap.Logger
}

// Cache is a persistent compile cache. It implements decode.KeyedCompiler.
type Cache struct {
	db           *badger.DB
	artifactDir  string
	removeOnExit string
	compiler     decode.Compiler
	logger       *zap.Logger
	sf           singleflight.Group
	closed       atomic.Bool

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Open opens or creates a cache.
func Open(opts Options) (*Cache, error) {
	logger := logging.OrNop(opts.Logger).Named("shadercache")

	c := &Cache{compiler: opts.Compiler, logger: logger}

	var badgerOpts badger.Options
	if opts.InMemory {
		tmp, err := os.MkdirTemp("", "assetcore-shadercache-")
		if err != nil {
			return nil, fmt.Errorf("shadercache: temp dir: %w", err)
		}
		c.artifactDir = tmp
		c.removeOnExit = tmp
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("shadercache: directory required")
		}
		c.artifactDir = filepath.Join(opts.Dir, "artifacts")
		if err := os.MkdirAll(c.artifactDir, 0o755); err != nil {
			return nil, fmt.Errorf("shadercache: create artifact dir: %w", err)
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(opts.Dir, "index"))
	}
	badgerOpts = badgerOpts.WithLogger(badgerLogger{logger.Sugar()}).WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		if c.removeOnExit != "" {
			_ = os.RemoveAll(c.removeOnExit)
		}
		return nil, fmt.Errorf("shadercache: open index: %w", err)
	}
	c.db = db
	return c, nil
}

// OpenInMemory opens a cache with no persistent state.
func OpenInMemory(compiler decode.Compiler, logger *zap.Logger) (*Cache, error) {
	return Open(Options{InMemory: true, Compiler: compiler, Logger: logger})
}

// CompileKeyed returns bytecode for source under key, compiling only on a
// miss. The returned slice may be shared with concurrent callers and must
// not be modified.
func (c *Cache) CompileKeyed(ctx context.Context, key string, source []byte, opts decode.Options) ([]byte, decode.Reflection, error) {
	if c.closed.Load() {
		return nil, decode.Reflection{}, ErrClosed
	}
	if key == "" {
		return nil, decode.Reflection{}, ErrEmptyKey
	}

	contentHash := Hash(source)
	optionsHash := Hash([]byte(opts.Canonical()))

	type result struct {
		bytecode []byte
		refl     decode.Reflection
	}
	v, err, _ := c.sf.Do(key+"\x00"+contentHash+optionsHash, func() (interface{}, error) {
		if bc, refl, ok := c.lookupArtifact(key, contentHash, optionsHash); ok {
			c.hits.Add(1)
			return result{bc, refl}, nil
		}
		c.misses.Add(1)

		bc, refl, err := c.compile(ctx, key, source, opts, contentHash, optionsHash)
		if err != nil {
			c.errors.Add(1)
			return nil, err
		}
		return result{bc, refl}, nil
	})
	if err != nil {
		return nil, decode.Reflection{}, err
	}
	r := v.(result)
	return r.bytecode, r.refl, nil
}

func (c *Cache) lookupArtifact(key, contentHash, optionsHash string) ([]byte, decode.Reflection, bool) {
	e, ok, err := c.Lookup(key)
	if err != nil || !ok {
		return nil, decode.Reflection{}, false
	}
	if e.ContentHash != contentHash || e.OptionsHash != optionsHash {
		return nil, decode.Reflection{}, false
	}

	bc, err := os.ReadFile(e.ArtifactPath)
	if err != nil {
		c.logger.Debug("artifact missing, recompiling", zap.String("key", key), zap.Error(err))
		return nil, decode.Reflection{}, false
	}
	var refl decode.Reflection
	raw, err := os.ReadFile(sidecarPath(e.ArtifactPath))
	if err != nil {
		return nil, decode.Reflection{}, false
	}
	if err := json.Unmarshal(raw, &refl); err != nil {
		c.logger.Warn("corrupt reflection sidecar", zap.String("key", key), zap.Error(err))
		return nil, decode.Reflection{}, false
	}
	return bc, refl, true
}

func (c *Cache) compile(ctx context.Context, key string, source []byte, opts decode.Options, contentHash, optionsHash string) ([]byte, decode.Reflection, error) {
	if c.compiler == nil {
		return nil, decode.Reflection{}, ErrNoCompiler
	}

	start := time.Now()
	bc, refl, err := c.compiler.Compile(ctx, source, opts)
	if err != nil {
		return nil, decode.Reflection{}, err
	}

	artifact := filepath.Join(c.artifactDir, contentHash+"-"+optionsHash+".bin")
	if err := writeFileAtomic(artifact, bc); err != nil {
		return nil, decode.Reflection{}, fmt.Errorf("shadercache: write artifact: %w", err)
	}
	sidecar, err := json.Marshal(refl)
	if err != nil {
		return nil, decode.Reflection{}, err
	}
	if err := writeFileAtomic(sidecarPath(artifact), sidecar); err != nil {
		return nil, decode.Reflection{}, fmt.Errorf("shadercache: write sidecar: %w", err)
	}

	entry := Entry{
		Key:          key,
		ContentHash:  contentHash,
		OptionsHash:  optionsHash,
		ArtifactPath: artifact,
		Timestamp:    time.Now().UTC(),
	}
	if err := c.put(entry); err != nil {
		return nil, decode.Reflection{}, err
	}

	c.logger.Debug("compiled shader",
		zap.String("key", key),
		zap.Int("bytes", len(bc)),
		zap.Duration("took", time.Since(start)),
	)
	return bc, refl, nil
}

// Lookup returns the index entry for key.
func (c *Cache) Lookup(key string) (Entry, bool, error) {
	if c.closed.Load() {
		return Entry{}, false, ErrClosed
	}
	var e Entry
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&e)
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("shadercache: lookup %s: %w", key, err)
	}
	return e, found, nil
}

func (c *Cache) put(e Entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("shadercache: encode entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(e.Key), buf.Bytes())
	})
}

// Invalidate removes the entry for key. The artifact is left in place
// because other keys may share it.
func (c *Cache) Invalidate(key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(indexKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Entries returns all index entries sorted by key.
func (c *Cache) Entries() ([]Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var entries []Entry
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&e)
			}); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("shadercache: list entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Clear drops the index and deletes every artifact.
func (c *Cache) Clear() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.db.DropAll(); err != nil {
		return fmt.Errorf("shadercache: drop index: %w", err)
	}
	files, err := os.ReadDir(c.artifactDir)
	if err != nil {
		return fmt.Errorf("shadercache: read artifacts: %w", err)
	}
	for _, f := range files {
		if err := os.Remove(filepath.Join(c.artifactDir, f.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
	if entries, err := c.Entries(); err == nil {
		s.Entries = len(entries)
	}
	return s
}

// Close closes the index. In-memory caches also delete their artifacts.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.db.Close()
	if c.removeOnExit != "" {
		if rmErr := os.RemoveAll(c.removeOnExit); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Hash returns the hex BLAKE2b-256 digest of data.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func indexKey(key string) []byte {
	return append(append([]byte{}, keyPrefix...), key...)
}

func sidecarPath(artifact string) string {
	return artifact[:len(artifact)-len(filepath.Ext(artifact))] + ".json"
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// badgerLogger routes badger's logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// Infof demotes badger's chatty startup and compaction messages.
func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Debugf(format, args...)
}
