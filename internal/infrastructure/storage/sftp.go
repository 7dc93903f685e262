package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
	"github.com/caat/taskwatch/internal/infrastructure/remote"
)

// SFTPStore keeps artifacts in a directory on a remote host. Each call opens its own
// SSH connection so a dropped link never poisons later operations.
type SFTPStore struct {
	ssh    *remote.SSHClient
	dir    string
	logger *logger.Logger
}

var _ ports.ArtifactStore = (*SFTPStore)(nil)

func NewSFTPStore(sshClient *remote.SSHClient, dir string, log *logger.Logger) *SFTPStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &SFTPStore{ssh: sshClient, dir: dir, logger: log}
}

type sftpSession struct {
	conn   *ssh.Client
	client *sftp.Client
}

func (s *sftpSession) Close() error {
	err := s.client.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *SFTPStore) open(ctx context.Context) (*sftpSession, error) {
	conn, err := s.ssh.Connect(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start sftp session: %w", err)
	}
	return &sftpSession{conn: conn, client: client}, nil
}

func (s *SFTPStore) Save(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", 0, err
	}
	sess, err := s.open(ctx)
	if err != nil {
		return "", 0, err
	}
	defer sess.Close()

	if err := sess.client.MkdirAll(s.dir); err != nil {
		return "", 0, fmt.Errorf("failed to create remote directory: %w", err)
	}

	target := path.Join(s.dir, name)
	tmp := target + ".part"
	f, err := sess.client.Create(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create remote file: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sess.client.Remove(tmp)
		return "", 0, fmt.Errorf("failed to upload artifact: %w", err)
	}
	if err := sess.client.PosixRename(tmp, target); err != nil {
		_ = sess.client.Remove(tmp)
		return "", 0, fmt.Errorf("failed to publish artifact: %w", err)
	}

	s.logger.Infow("artifact_saved", "addr", s.ssh.Address(), "location", name, "bytes", size)
	return name, size, nil
}

// sftpReader closes the remote file together with the session that owns it.
type sftpReader struct {
	*sftp.File
	sess *sftpSession
}

func (r *sftpReader) Close() error {
	err := r.File.Close()
	if cerr := r.sess.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *SFTPStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	name, err := cleanName(location)
	if err != nil {
		return nil, err
	}
	sess, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	f, err := sess.client.Open(path.Join(s.dir, name))
	if err != nil {
		sess.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ports.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to open remote artifact: %w", err)
	}
	return &sftpReader{File: f, sess: sess}, nil
}

func (s *SFTPStore) Delete(ctx context.Context, location string) error {
	name, err := cleanName(location)
	if err != nil {
		return err
	}
	sess, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.client.Remove(path.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete remote artifact: %w", err)
	}
	s.logger.Infow("artifact_deleted", "addr", s.ssh.Address(), "location", name)
	return nil
}
