// Package persist stores stream checkpoints on disk.
package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/schema"
)

// Checkpoint is the last applied batch of a stream and the unfiltered
// document it produced.
type Checkpoint struct {
	Stream   string              `json:"stream"`
	Kind     schema.DocumentKind `json:"kind"`
	Cursor   uint64              `json:"cursor"`
	Document json.RawMessage     `json:"document"`
}

// Store persists checkpoints, one file per stream.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a checkpoint store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a checkpoint store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads the checkpoint of a stream. A missing file is not an error.
func (s *Store) Load(stream string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(s.pathFor(stream))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("checkpoint load miss", "stream", stream)
			return Checkpoint{}, false, nil
		}
		s.warn("checkpoint load failed", "stream", stream, "err", err)
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.warn("checkpoint load failed", "stream", stream, "err", err)
		return Checkpoint{}, false, err
	}
	if cp.Cursor == 0 || len(cp.Document) == 0 {
		return Checkpoint{}, false, nil
	}
	s.debug("checkpoint load ok", "stream", stream, "cursor", cp.Cursor)
	return cp, true, nil
}

// Save atomically replaces the checkpoint of cp.Stream.
func (s *Store) Save(cp Checkpoint) error {
	path := s.pathFor(cp.Stream)
	data, err := json.Marshal(cp)
	if err != nil {
		s.warn("checkpoint save failed", "stream", cp.Stream, "err", err)
		return err
	}
	if err := writeAtomic(path, data); err != nil {
		s.warn("checkpoint save failed", "stream", cp.Stream, "err", err)
		return err
	}
	if s.log != nil {
		s.log.Trace("checkpoint save ok", "stream", cp.Stream, "cursor", cp.Cursor)
	}
	return nil
}

// Remove deletes the checkpoint of a stream.
func (s *Store) Remove(stream string) error {
	err := os.Remove(s.pathFor(stream))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Saver returns a function suitable for reconcile.StreamOptions.Checkpoint.
// Save failures are logged and otherwise ignored.
func (s *Store) Saver(stream string, kind schema.DocumentKind) func(uint64, []byte) {
	return func(cursor uint64, document []byte) {
		_ = s.Save(Checkpoint{
			Stream:   stream,
			Kind:     kind,
			Cursor:   cursor,
			Document: append(json.RawMessage(nil), document...),
		})
	}
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "checkpoint-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}

func (s *Store) pathFor(stream string) string {
	name := sanitize(stream)
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
