package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

var (
	ErrSSHConnection     = errors.New("ssh: connection failed")
	ErrSSHAuthentication = errors.New("ssh: authentication failed")
	ErrSSHHostKey        = errors.New("ssh: invalid host key")
)

type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	// HostKey pins the server key, in authorized_keys format. Empty accepts any key.
	HostKey    string
	Timeout    time.Duration
	MaxRetries int
}

// SSHClient dials SSH connections with retry and backoff.
type SSHClient struct {
	config SSHConfig
	logger *logger.Logger
	// backoff returns how long to wait after the given failed attempt.
	backoff func(attempt int) time.Duration
}

func NewSSHClient(cfg SSHConfig, log *logger.Logger) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &SSHClient{
		config:  cfg,
		logger:  log,
		backoff: func(attempt int) time.Duration { return time.Duration(attempt*2) * time.Second },
	}
}

func (c *SSHClient) Address() string {
	return net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
}

func (c *SSHClient) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if c.config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key", ErrSSHAuthentication)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.config.Password != "" {
		methods = append(methods, ssh.Password(c.config.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}
	return methods, nil
}

func (c *SSHClient) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(c.config.HostKey) == "" {
		c.logger.Warnw("ssh_host_key_unpinned", "addr", c.Address())
		return ssh.InsecureIgnoreHostKey(), nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.config.HostKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSSHHostKey, err)
	}
	return ssh.FixedHostKey(key), nil
}

// Connect dials the server, retrying with a growing backoff until MaxRetries attempts
// have failed or ctx is done.
func (c *SSHClient) Connect(ctx context.Context) (*ssh.Client, error) {
	methods, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         c.config.Timeout,
	}

	addr := c.Address()
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		client, err := c.dial(ctx, addr, clientConfig)
		if err == nil {
			c.logger.Debugw("ssh_connect_ok", "addr", addr, "attempt", attempt)
			return client, nil
		}
		lastErr = err
		c.logger.Warnw("ssh_connect_failed", "addr", addr, "attempt", attempt, "error", err)

		if attempt == c.config.MaxRetries {
			break
		}
		timer := time.NewTimer(c.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrSSHConnection, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w: %v (after %d attempts)", ErrSSHConnection, lastErr, c.config.MaxRetries)
}

func (c *SSHClient) dial(ctx context.Context, addr string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: c.config.Timeout, KeepAlive: 60 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The handshake gets the same budget as the dial; the session itself has no deadline.
	_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}
