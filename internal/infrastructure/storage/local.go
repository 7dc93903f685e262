package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

// LocalStore keeps artifacts as files in one directory. Locations are bare file names.
type LocalStore struct {
	dir    string
	logger *logger.Logger
}

var _ ports.ArtifactStore = (*LocalStore)(nil)

func NewLocalStore(dir string, log *logger.Logger) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("artifact: local directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &LocalStore{dir: dir, logger: log}, nil
}

func (s *LocalStore) Save(_ context.Context, name string, r io.Reader) (string, int64, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", 0, fmt.Errorf("failed to publish artifact: %w", err)
	}

	s.logger.Infow("artifact_saved", "location", name, "bytes", size)
	return name, size, nil
}

func (s *LocalStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	name, err := cleanName(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ports.ErrArtifactNotFound
	}
	return f, err
}

func (s *LocalStore) Delete(_ context.Context, location string) error {
	name, err := cleanName(location)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	s.logger.Infow("artifact_deleted", "location", name)
	return nil
}
