package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileStore keeps notification state in a JSON file, usually under the
// data directory next to Open WebUI's own files.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("state_file", path).Logger(),
	}
}

// Load returns the saved state. A missing, corrupt or outdated file is not an
// error: the notifier starts from an empty baseline and re-reports problems.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Debug().Msg("notification state missing, starting fresh")
		return Empty(), nil
	case err != nil:
		return State{}, fmt.Errorf("read notification state: %w", err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn().Err(err).Msg("notification state corrupt, starting fresh")
		return Empty(), nil
	}
	if loaded.Version != SchemaVersion {
		s.logger.Warn().Int("version", loaded.Version).Int("want", SchemaVersion).Msg("notification state version mismatch, starting fresh")
		return Empty(), nil
	}
	if loaded.Groups == nil {
		loaded.Groups = Empty().Groups
	}
	return loaded, nil
}

// Save replaces the state file. The version field is always set to the
// current schema.
func (s *FileStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.Version = SchemaVersion
	if st.Groups == nil {
		st.Groups = Empty().Groups
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode notification state: %w", err)
	}
	if err := writeFileAtomic(s.path, append(data, '\n')); err != nil {
		return err
	}
	s.logger.Debug().Int("groups", len(st.Groups)).Msg("notification state saved")
	return nil
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	if d, openErr := os.Open(dir); openErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
