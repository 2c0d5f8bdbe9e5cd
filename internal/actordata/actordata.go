// Package actordata persists per-actor keyword values across process
// restarts, one YAML file per actor.
package actordata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ErrKeyNotFound reports that nothing has been persisted under a key yet.
var ErrKeyNotFound = errors.New("no persisted value")

// Store reads and writes keyword tuples for one named actor.
type Store struct {
	dir   string
	actor string
}

// NewStore binds a store to dir/<actor>.yaml. The file is created on the
// first persist.
func NewStore(dir, actor string) *Store {
	return &Store{dir: dir, actor: actor}
}

// FilePath returns the backing file, useful for bookkeeping.
func (s *Store) FilePath() string {
	return filepath.Join(s.dir, s.actor+".yaml")
}

// open loads the backing file into a fresh viper instance. A missing file is
// not an error; a present-but-unreadable file is.
func (s *Store) open() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(s.FilePath())
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.FilePath(), err)
	}
	return v, nil
}

// PersistKey saves one keyword tuple, preserving every other key already in
// the file (read-modify-write).
func (s *Store) PersistKey(key string, values ...string) error {
	v, err := s.open()
	if err != nil {
		return err
	}
	v.Set(key, values)
	if err := os.MkdirAll(s.dir, 0775); err != nil {
		return err
	}
	return v.WriteConfigAs(s.FilePath())
}

// LoadKey returns the persisted tuple for key, or ErrKeyNotFound when the key
// was never persisted or has been erased.
func (s *Store) LoadKey(key string) ([]string, error) {
	v, err := s.open()
	if err != nil {
		return nil, err
	}
	values := v.GetStringSlice(key)
	if len(values) == 0 {
		return nil, fmt.Errorf("%w under key %q in %s", ErrKeyNotFound, key, s.FilePath())
	}
	return values, nil
}

// EraseKey empties the tuple under key. Loading it afterwards reports
// ErrKeyNotFound. Erasing a key that was never persisted is not an error.
func (s *Store) EraseKey(key string) error {
	return s.PersistKey(key)
}
