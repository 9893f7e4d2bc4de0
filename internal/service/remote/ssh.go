package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/pkg/config"
)

const dialTimeout = 15 * time.Second

// SSHTransport runs commands on the deploy target using key authentication.
type SSHTransport struct {
	host           string
	port           int
	user           string
	keyPath        string
	passphrase     string
	knownHostsPath string
}

// NewSSHTransport returns a transport for the configured host.
func NewSSHTransport(cfg config.RemoteConfig) *SSHTransport {
	port := cfg.Port
	if port <= 0 {
		port = 22
	}
	return &SSHTransport{
		host:           cfg.Host,
		port:           port,
		user:           cfg.User,
		keyPath:        cfg.KeyPath,
		passphrase:     cfg.KeyPassphrase,
		knownHostsPath: cfg.KnownHostsPath,
	}
}

// Run opens a session, executes command and waits for it to exit. When ctx is
// done first the remote process is signalled and the connection torn down.
func (t *SSHTransport) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	clientCfg, err := t.clientConfig()
	if err != nil {
		return domain.SentinelExitCode, err
	}
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return domain.SentinelExitCode, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return domain.SentinelExitCode, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return domain.SentinelExitCode, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		return domain.SentinelExitCode, ctx.Err()
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return domain.SentinelExitCode, fmt.Errorf("remote command: %w", err)
}

func (t *SSHTransport) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := t.signer()
	if err != nil {
		return nil, err
	}
	hostKey, err := t.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            t.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         dialTimeout,
	}, nil
}

func (t *SSHTransport) signer() (ssh.Signer, error) {
	if t.keyPath == "" {
		return nil, errors.New("ssh key path not configured")
	}
	raw, err := os.ReadFile(t.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	var signer ssh.Signer
	if t.passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(t.passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return signer, nil
}

// hostKeyCallback verifies against known_hosts when configured. Without a
// known_hosts file any host key is accepted, matching StrictHostKeyChecking=no.
func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in via HOME_SSH_KNOWN_HOSTS
	}
	cb, err := knownhosts.New(t.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}
