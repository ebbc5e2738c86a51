// Package diskstore keeps compressed feed artifacts in a flat directory with
// an LRU index, a byte budget and age-based purging.
package diskstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/keys"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/feederr"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
)

type Config struct {
	Dir           string
	MaxItems      int
	MaxBytes      int64
	MaxAge        time.Duration
	PurgeInterval time.Duration
}

// Entry describes one cached artifact. Key is empty for files indexed at
// startup until a lookup names them.
type Entry struct {
	Key       string
	Path      string
	Size      int64
	Validator string
	CreatedAt time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for ages and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

const tmpPrefix = ".put-"

type Store struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu         sync.Mutex
	index      *simplelru.LRU[string, Entry] // by artifact file name
	bytes      int64
	bytesKnown bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open prepares dir, indexes the newest existing artifacts and starts the
// purge loop.
func Open(cfg Config, log *slog.Logger, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, feederr.Invalid("cache open", "empty cache dir")
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 300
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	idx, err := simplelru.NewLRU[string, Entry](cfg.MaxItems, nil)
	if err != nil {
		return nil, fmt.Errorf("cache index: %w", err)
	}
	s := &Store{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		index: idx,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if err := mkdirRetry(cfg.Dir); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.seed()
	s.mu.Unlock()

	if cfg.PurgeInterval > 0 && cfg.MaxAge > 0 {
		go s.loop(cfg.PurgeInterval)
	} else {
		close(s.done)
	}
	return s, nil
}

func mkdirRetry(dir string) error {
	var err error
	for attempt := range 3 {
		if err = os.MkdirAll(dir, 0o755); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return feederr.CacheIO("cache mkdir", err)
}

func (s *Store) Dir() string { return s.cfg.Dir }

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// ResidentBytes is the size of every artifact in the directory.
func (s *Store) ResidentBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bytesKnown {
		s.rescan()
	}
	return s.bytes
}

// Get returns the entry for key if its artifact still exists and is not
// older than MaxAge.
func (s *Store) Get(key string) (Entry, bool) {
	name := keys.Filename(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.index.Get(name); ok {
		if _, err := os.Stat(e.Path); err != nil {
			s.index.Remove(name)
			if s.bytesKnown {
				s.bytes -= e.Size
			}
			observability.AddEvictions("vanished", 1)
			s.publishBytes()
			return Entry{}, false
		}
		if s.expired(e.CreatedAt) {
			s.index.Remove(name)
			s.deleteFile(e.Path, e.Size)
			observability.AddEvictions("expired", 1)
			s.publishBytes()
			return Entry{}, false
		}
		if e.Key == "" {
			e.Key = key
			s.index.Add(name, e)
		}
		return e, true
	}

	path := filepath.Join(s.cfg.Dir, name)
	st, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("cache stat failed", "path", path, "err", err)
		}
		return Entry{}, false
	}
	if s.expired(st.ModTime()) {
		return Entry{}, false
	}
	e := entryFor(key, path, st, st.ModTime())
	s.insert(name, e)
	return e, true
}

// Put copies the artifact at src into the cache under key and enforces the
// byte budget before returning.
func (s *Store) Put(key, src string) (Entry, error) {
	name := keys.Filename(key)
	tmp, err := s.copyToTemp(src)
	if err != nil {
		return Entry{}, feederr.CacheIO("cache put", err)
	}

	final := filepath.Join(s.cfg.Dir, name)
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevSize int64
	if st, err := os.Stat(final); err == nil {
		prevSize = st.Size()
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Entry{}, feederr.CacheIO("cache put", fmt.Errorf("rename: %w", err))
	}
	st, err := os.Stat(final)
	if err != nil {
		return Entry{}, feederr.CacheIO("cache put", fmt.Errorf("stat: %w", err))
	}
	e := entryFor(key, final, st, s.now())
	if s.bytesKnown {
		s.bytes += st.Size() - prevSize
	}
	s.insert(name, e)
	s.enforceBudget()
	s.publishBytes()
	return e, nil
}

func (s *Store) copyToTemp(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp(s.cfg.Dir, tmpPrefix+"*")
	if errors.Is(err, fs.ErrNotExist) {
		// directory removed underneath us
		if err = mkdirRetry(s.cfg.Dir); err == nil {
			out, err = os.CreateTemp(s.cfg.Dir, tmpPrefix+"*")
		}
	}
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("close temp: %w", err)
	}
	return out.Name(), nil
}

func entryFor(key, path string, st fs.FileInfo, created time.Time) Entry {
	return Entry{
		Key:       key,
		Path:      path,
		Size:      st.Size(),
		Validator: Validator(st),
		CreatedAt: created,
	}
}

// Validator is the weak entity tag of an artifact file.
func Validator(st fs.FileInfo) string {
	return validator(st.Size(), st.ModTime())
}

func validator(size int64, mtime time.Time) string {
	return fmt.Sprintf(`W/"%d-%d"`, size, mtime.UnixMilli())
}

func (s *Store) expired(t time.Time) bool {
	return s.cfg.MaxAge > 0 && s.now().Sub(t) > s.cfg.MaxAge
}

// insert adds e, deleting the least recently used artifact when the index
// is full. Caller holds mu.
func (s *Store) insert(name string, e Entry) {
	if !s.index.Contains(name) && s.index.Len() >= s.cfg.MaxItems {
		if _, old, ok := s.index.RemoveOldest(); ok {
			s.deleteFile(old.Path, old.Size)
			observability.AddEvictions("capacity", 1)
		}
	}
	s.index.Add(name, e)
}

// enforceBudget evicts LRU entries, then unindexed files oldest first,
// until the directory fits MaxBytes. Caller holds mu.
func (s *Store) enforceBudget() {
	if s.cfg.MaxBytes <= 0 {
		return
	}
	if !s.bytesKnown {
		s.rescan()
	}
	evicted := 0
	for s.bytes > s.cfg.MaxBytes && s.index.Len() > 0 {
		_, e, _ := s.index.RemoveOldest()
		s.deleteFile(e.Path, e.Size)
		evicted++
	}
	if s.bytes > s.cfg.MaxBytes {
		files, err := s.listArtifacts()
		if err != nil {
			s.log.Warn("cache scan failed", "dir", s.cfg.Dir, "err", err)
		}
		for _, f := range files {
			if s.bytes <= s.cfg.MaxBytes {
				break
			}
			s.deleteFile(f.path, f.size)
			evicted++
		}
	}
	if evicted > 0 {
		observability.AddEvictions("budget", evicted)
		s.log.Debug("cache budget enforced", "evicted", evicted, "bytes", s.bytes, "max_bytes", s.cfg.MaxBytes)
	}
}

// deleteFile removes path and updates the byte total. A file that is
// already gone counts as removed. Caller holds mu.
func (s *Store) deleteFile(path string, size int64) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("cache delete failed", "path", path, "err", err)
		return
	}
	if s.bytesKnown {
		s.bytes -= size
	}
}

type artifact struct {
	name  string
	path  string
	size  int64
	mtime time.Time
}

// listArtifacts returns the cached files in dir, oldest first.
func (s *Store) listArtifacts() ([]artifact, error) {
	des, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make([]artifact, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, keys.ArtifactSuffix) || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			s.log.Warn("cache stat failed", "name", name, "err", err)
			continue
		}
		out = append(out, artifact{
			name:  name,
			path:  filepath.Join(s.cfg.Dir, name),
			size:  info.Size(),
			mtime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mtime.Before(out[j].mtime) })
	return out, nil
}

// rescan recomputes the byte total from disk. Caller holds mu.
func (s *Store) rescan() {
	files, err := s.listArtifacts()
	if err != nil {
		s.log.Warn("cache scan failed", "dir", s.cfg.Dir, "err", err)
		s.bytesKnown = false
		return
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	s.bytes = total
	s.bytesKnown = true
}

// seed indexes the newest MaxItems artifacts already on disk. Caller holds mu.
func (s *Store) seed() {
	files, err := s.listArtifacts()
	if err != nil {
		s.log.Warn("cache scan failed", "dir", s.cfg.Dir, "err", err)
		return
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	s.bytes, s.bytesKnown = total, true
	if len(files) > s.cfg.MaxItems {
		files = files[len(files)-s.cfg.MaxItems:]
	}
	for _, f := range files {
		s.index.Add(f.name, Entry{
			Path:      f.path,
			Size:      f.size,
			Validator: validator(f.size, f.mtime),
			CreatedAt: f.mtime,
		})
	}
	s.publishBytes()
	s.log.Info("cache opened", "dir", s.cfg.Dir, "files", len(files), "bytes", total)
}

// PurgeExpired deletes artifacts whose modification time is older than
// MaxAge and returns how many were removed.
func (s *Store) PurgeExpired() int {
	if s.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.MaxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	des, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.log.Warn("cache purge failed", "dir", s.cfg.Dir, "err", err)
		return 0
	}
	removed := 0
	for _, de := range des {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		artifactFile := strings.HasSuffix(name, keys.ArtifactSuffix) && !strings.HasPrefix(name, tmpPrefix)
		if !artifactFile && !strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			s.log.Warn("cache purge stat failed", "name", name, "err", err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.Dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("cache purge delete failed", "path", path, "err", err)
			continue
		}
		if artifactFile {
			s.index.Remove(name)
			removed++
		}
	}
	s.rescan()
	observability.AddEvictions("purge", removed)
	s.publishBytes()
	return removed
}

// InvalidateDay deletes every artifact whose day range covers day.
func (s *Store) InvalidateDay(day time.Time) int {
	day = day.UTC().Truncate(24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.listArtifacts()
	if err != nil {
		s.log.Warn("cache invalidate failed", "dir", s.cfg.Dir, "err", err)
		return 0
	}
	removed := 0
	for _, f := range files {
		start, end, ok := keys.DayRange(f.name)
		if !ok || day.Before(start) || day.After(end) {
			continue
		}
		s.index.Remove(f.name)
		s.deleteFile(f.path, f.size)
		removed++
	}
	observability.AddEvictions("invalidation", removed)
	s.publishBytes()
	return removed
}

func (s *Store) publishBytes() {
	if s.bytesKnown {
		observability.SetResidentBytes(s.bytes)
	}
}

func (s *Store) loop(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if n := s.PurgeExpired(); n > 0 {
				s.log.Info("cache purge", "removed", n)
			}
		}
	}
}

// Close stops the purge loop. Artifacts stay on disk.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
