package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// File names inside the archive directory.
const (
	LatestName   = "firestore-latest.json"
	datedPattern = "firestore-%s.json"
	gzipSuffix   = ".gz"
	tmpSuffix    = ".tmp"
	stampLayout  = "20060102"
)

// DatedName returns the snapshot file name for a date stamp.
func DatedName(stamp string) string {
	return fmt.Sprintf(datedPattern, stamp)
}

// DateStamp formats now as YYYYMMDD in loc, independent of the host timezone.
func DateStamp(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(stampLayout)
}

// File is one archive file as written.
type File struct {
	Name string
	Data []byte
}

// WriteResult reports what WriteLatestAndDated wrote.
type WriteResult struct {
	LatestPath string
	DatedPath  string
	Sidecars   []string
	Bytes      int
	Files      []File // JSON files in write order
}

// Store reads and writes archive files on a billy filesystem rooted at the
// archive directory.
type Store struct {
	fs           billy.Filesystem
	compress     bool
	maxSize      int64
	requireSync  bool
	loadFailures prometheus.Counter
}

// ErrTooLarge is returned when an encoded archive exceeds the store's size limit.
var ErrTooLarge = errors.New("archive exceeds size limit")

// ErrNoSync is returned when a store that must fsync its files is given a
// filesystem whose files cannot be synced.
var ErrNoSync = errors.New("filesystem does not support sync")

// Option configures a Store.
type Option func(*Store)

// WithGzipSidecars also writes a gzip copy next to each archive file.
func WithGzipSidecars(enabled bool) Option {
	return func(s *Store) { s.compress = enabled }
}

// WithMaxSize refuses to write archives larger than n bytes. Zero disables the
// limit.
func WithMaxSize(n int64) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithLoadFailureCounter counts prior archives that existed but could not be read.
func WithLoadFailureCounter(c prometheus.Counter) Option {
	return func(s *Store) { s.loadFailures = c }
}

// NewStore creates a Store over fs.
func NewStore(fs billy.Filesystem, opts ...Option) *Store {
	s := &Store{fs: fs}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDirStore creates a Store over the OS directory dir. Every file it writes is
// fsynced before being renamed into place.
func NewDirStore(dir string, opts ...Option) *Store {
	s := NewStore(dirFS(dir), opts...)
	s.requireSync = true
	return s
}

// dirFS returns a filesystem bound to dir whose files expose Sync. The default
// chroot filesystem of osfs hides it.
func dirFS(dir string) billy.Filesystem {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return osfs.New(dir, osfs.WithBoundOS())
}

// Path returns the full path of name inside the store.
func (s *Store) Path(name string) string {
	return s.fs.Join(s.fs.Root(), name)
}

// ReadLatest reads and decodes the latest archive. A missing file returns an
// error wrapping os.ErrNotExist.
func (s *Store) ReadLatest() (*Archive, error) {
	f, err := s.fs.Open(LatestName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", LatestName, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", LatestName, err)
	}
	return Decode(data)
}

// LoadLatest returns the latest archive or nil when there is none. A corrupt or
// unreadable archive is logged at warn level, counted, and treated as missing.
func (s *Store) LoadLatest() *Archive {
	a, err := s.ReadLatest()
	if err == nil {
		return a
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", s.Path(LatestName)).Msg("no prior archive, starting empty")
		return nil
	}

	log.Warn().Err(err).Str("path", s.Path(LatestName)).
		Msg("prior archive unreadable, starting empty; archived documents absent from the live store will not be republished")
	if s.loadFailures != nil {
		s.loadFailures.Inc()
	}
	return nil
}

// WriteLatestAndDated encodes a once and writes the identical bytes to the dated
// snapshot and then to the latest file. The run counts as published only when
// this returns nil.
func (s *Store) WriteLatestAndDated(a *Archive, stamp string) (WriteResult, error) {
	data, err := Encode(a)
	if err != nil {
		return WriteResult{}, err
	}

	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return WriteResult{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), s.maxSize)
	}

	dated := DatedName(stamp)
	if err := s.writeAtomic(dated, data); err != nil {
		return WriteResult{}, err
	}
	if err := s.writeAtomic(LatestName, data); err != nil {
		return WriteResult{}, err
	}

	res := WriteResult{
		LatestPath: s.Path(LatestName),
		DatedPath:  s.Path(dated),
		Bytes:      len(data),
		Files:      []File{{Name: dated, Data: data}, {Name: LatestName, Data: data}},
	}

	if s.compress {
		gz, err := gzipBytes(data)
		if err != nil {
			return WriteResult{}, err
		}
		for _, name := range []string{dated, LatestName} {
			if err := s.writeAtomic(name+gzipSuffix, gz); err != nil {
				return WriteResult{}, err
			}
			res.Sidecars = append(res.Sidecars, s.Path(name+gzipSuffix))
		}
	}

	return res, nil
}

// writeAtomic writes data to a temp file next to name and renames it into place.
func (s *Store) writeAtomic(name string, data []byte) error {
	tmp := name + tmpSuffix

	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := s.sync(f); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *Store) sync(f billy.File) error {
	syncer, ok := f.(interface{ Sync() error })
	if !ok {
		if s.requireSync {
			return ErrNoSync
		}
		return nil
	}
	return syncer.Sync()
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip archive: %w", err)
	}
	return buf.Bytes(), nil
}
