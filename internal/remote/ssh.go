package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"

	"edgefailover/internal/logging"
	"edgefailover/internal/models"
)

// Options configures an SSHExecutor.
type Options struct {
	// KnownHostsFile enables host key verification. Empty accepts any host key.
	KnownHostsFile    string
	DialRatePerMinute int
	DialBurst         int
	Logger            logging.Logger
}

// SSHExecutor keeps one SSH client per device and opens a fresh session per command.
// A client that fails at the transport level is dropped and redialed on next use.
type SSHExecutor struct {
	hostKeyCallback ssh.HostKeyCallback
	dialEvery       rate.Limit
	dialBurst       int
	logger          logging.Logger

	mu       sync.Mutex
	clients  map[string]*ssh.Client
	limiters map[string]*rate.Limiter
}

// NewSSHExecutor builds an executor. It fails only if the known_hosts file cannot be read.
func NewSSHExecutor(opts Options) (*SSHExecutor, error) {
	callback := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		callback = cb
	}

	perMinute := opts.DialRatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := opts.DialBurst
	if burst <= 0 {
		burst = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &SSHExecutor{
		hostKeyCallback: callback,
		dialEvery:       rate.Every(time.Minute / time.Duration(perMinute)),
		dialBurst:       burst,
		logger:          logger,
		clients:         make(map[string]*ssh.Client),
		limiters:        make(map[string]*rate.Limiter),
	}, nil
}

// Execute runs command on the endpoint. Without a deadline on ctx the endpoint's
// connect timeout bounds the whole call.
func (e *SSHExecutor) Execute(ctx context.Context, endpoint models.PathEndpoint, command string) (string, error) {
	if _, ok := ctx.Deadline(); !ok && endpoint.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, endpoint.ConnectTimeout)
		defer cancel()
	}

	addr := endpoint.HostPort()
	client, err := e.client(ctx, endpoint)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		e.discard(addr, client)
		return "", &TransportError{Endpoint: addr, Op: "open session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Close()
		e.discard(addr, client)
		return "", &TransportError{Endpoint: addr, Op: "exec", Err: ctx.Err()}
	}

	exitStatus := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			e.discard(addr, client)
			return "", &TransportError{Endpoint: addr, Op: "exec", Err: err}
		}
		exitStatus = exitErr.ExitStatus()
	}

	// Only the error stream marks a failed command. Ping tools exit non-zero on
	// total loss, and that output is still evidence.
	if strings.TrimSpace(stderr.String()) != "" {
		return stdout.String(), &CommandError{
			Endpoint:   addr,
			Command:    command,
			Stderr:     stderr.String(),
			ExitStatus: exitStatus,
		}
	}
	if exitStatus != 0 {
		e.logger.Debug("command exited non-zero without error output", "endpoint", addr, "exit", exitStatus)
	}
	return stdout.String(), nil
}

// Close closes every open client. Used during shutdown.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	clients := e.clients
	e.clients = make(map[string]*ssh.Client)
	e.mu.Unlock()

	var firstErr error
	for addr, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil && !errors.Is(err, net.ErrClosed) {
			firstErr = fmt.Errorf("close ssh connection to %s: %w", addr, err)
		}
	}
	e.logger.Info("SSH connections closed", "count", len(clients))
	return firstErr
}

func (e *SSHExecutor) client(ctx context.Context, endpoint models.PathEndpoint) (*ssh.Client, error) {
	addr := endpoint.HostPort()

	e.mu.Lock()
	existing, ok := e.clients[addr]
	e.mu.Unlock()
	if ok {
		return existing, nil
	}

	client, err := e.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if raced, ok := e.clients[addr]; ok {
		_ = client.Close()
		return raced, nil
	}
	e.clients[addr] = client
	return client, nil
}

func (e *SSHExecutor) dial(ctx context.Context, endpoint models.PathEndpoint) (*ssh.Client, error) {
	addr := endpoint.HostPort()
	if !e.limiter(addr).Allow() {
		return nil, &TransportError{Endpoint: addr, Op: "dial", Err: ErrDialThrottled}
	}

	cfg, err := e.clientConfig(endpoint)
	if err != nil {
		return nil, &TransportError{Endpoint: addr, Op: "auth", Err: err}
	}

	dialer := net.Dialer{Timeout: endpoint.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Endpoint: addr, Op: "dial", Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, &TransportError{Endpoint: addr, Op: "handshake", Err: err}
	}
	_ = netConn.SetDeadline(time.Time{})

	e.logger.Info("SSH connected", "endpoint", addr, "role", endpoint.Role)
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (e *SSHExecutor) clientConfig(endpoint models.PathEndpoint) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if endpoint.KeyFile != "" {
		pemBytes, err := os.ReadFile(endpoint.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if endpoint.Password != "" {
		auth = append(auth, ssh.Password(endpoint.Password))
	}

	return &ssh.ClientConfig{
		User:            endpoint.Username,
		Auth:            auth,
		HostKeyCallback: e.hostKeyCallback,
		Timeout:         endpoint.ConnectTimeout,
	}, nil
}

func (e *SSHExecutor) discard(addr string, client *ssh.Client) {
	e.mu.Lock()
	if current, ok := e.clients[addr]; ok && current == client {
		delete(e.clients, addr)
	}
	e.mu.Unlock()
	_ = client.Close()
	e.logger.Warn("SSH connection dropped", "endpoint", addr)
}

func (e *SSHExecutor) limiter(addr string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[addr]
	if !ok {
		l = rate.NewLimiter(e.dialEvery, e.dialBurst)
		e.limiters[addr] = l
	}
	return l
}
