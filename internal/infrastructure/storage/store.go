package storage

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/caat/taskwatch/internal/config"
	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
	"github.com/caat/taskwatch/internal/infrastructure/remote"
)

var ErrInvalidName = errors.New("artifact: invalid name")

// New builds the artifact store selected by cfg.Backend.
func New(cfg config.ArtifactsConfig, log *logger.Logger) (ports.ArtifactStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalDir, log.Named("artifacts.local"))
	case "sftp":
		ssh := remote.NewSSHClient(remote.SSHConfig{
			Host:       cfg.SFTP.Host,
			Port:       cfg.SFTP.Port,
			User:       cfg.SFTP.User,
			Password:   cfg.SFTP.Password,
			PrivateKey: cfg.SFTP.PrivateKey,
			HostKey:    cfg.SFTP.HostKey,
			Timeout:    cfg.SFTP.Timeout,
			MaxRetries: cfg.SFTP.MaxRetries,
		}, log.Named("ssh"))
		return NewSFTPStore(ssh, cfg.SFTP.Dir, log.Named("artifacts.sftp")), nil
	case "s3":
		return NewS3Store(cfg.S3, log.Named("artifacts.s3"))
	}
	return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
}

// cleanName accepts a single path element so a location can never escape its root.
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || path.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}
