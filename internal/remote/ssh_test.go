package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"edgefailover/internal/models"
)

// execReply is what the test device answers to one command.
type execReply struct {
	stdout string
	stderr string
	exit   uint32
	hang   bool
}

// testServer is an in-process SSH device that accepts password auth.
type testServer struct {
	addr     string
	listener net.Listener
	accepted atomic.Int32

	mu       sync.Mutex
	netConns []net.Conn
	done     chan struct{}
}

func newTestServer(t *testing.T, password string, handle func(cmd string) execReply) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() == "admin" && string(pass) == password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{
		addr:     listener.Addr().String(),
		listener: listener,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(ts.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.accepted.Add(1)
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.mu.Unlock()
			go serveTestConn(netConn, config, handle)
		}
	}()
	t.Cleanup(ts.close)
	return ts
}

func (ts *testServer) dropConnections() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.netConns {
		c.Close()
	}
	ts.netConns = nil
}

func (ts *testServer) close() {
	ts.listener.Close()
	ts.dropConnections()
	<-ts.done
}

func (ts *testServer) endpoint(t *testing.T, password string) models.PathEndpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return models.PathEndpoint{
		Role:           models.RoleStandby,
		Address:        host,
		Port:           port,
		Username:       "admin",
		Password:       password,
		ConnectTimeout: 2 * time.Second,
	}
}

func serveTestConn(netConn net.Conn, config *ssh.ServerConfig, handle func(cmd string) execReply) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveTestSession(ch, requests, handle)
	}
}

func serveTestSession(ch ssh.Channel, requests <-chan *ssh.Request, handle func(cmd string) execReply) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		reply := handle(payload.Command)
		if reply.hang {
			_, _ = io.Copy(io.Discard, ch)
			return
		}
		_, _ = ch.Write([]byte(reply.stdout))
		_, _ = ch.Stderr().Write([]byte(reply.stderr))
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{reply.exit}))
		return
	}
}

func routerHandler(cmd string) execReply {
	switch cmd {
	case "ping 192.168.1.2 count=10 interval=0.5":
		return execReply{stdout: "sent=10 received=10 packet-loss=0%\n"}
	case "interface set numbers=0 disabled=no":
		return execReply{}
	case "linux-ping-total-loss":
		return execReply{stdout: "10 packets transmitted, 0 received, 100% packet loss\n", exit: 1}
	case "bad":
		return execReply{stderr: "bad command name\n", exit: 1}
	case "hang":
		return execReply{hang: true}
	default:
		return execReply{stderr: "unknown command\n"}
	}
}

func newTestExecutor(t *testing.T, opts Options) *SSHExecutor {
	t.Helper()
	exec, err := NewSSHExecutor(opts)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	return exec
}

func TestExecute_ReturnsStdout(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	exec := newTestExecutor(t, Options{})

	out, err := exec.Execute(context.Background(), ts.endpoint(t, "admin"), "ping 192.168.1.2 count=10 interval=0.5")
	require.NoError(t, err)
	assert.Equal(t, "sent=10 received=10 packet-loss=0%\n", out)
}

func TestExecute_ReusesConnection(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	exec := newTestExecutor(t, Options{})
	ep := ts.endpoint(t, "admin")

	for i := 0; i < 3; i++ {
		_, err := exec.Execute(context.Background(), ep, "interface set numbers=0 disabled=no")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, ts.accepted.Load())
}

func TestExecute_ErrorStreamIsCommandError(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	exec := newTestExecutor(t, Options{})

	_, err := exec.Execute(context.Background(), ts.endpoint(t, "admin"), "bad")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitStatus)
	assert.Contains(t, cmdErr.Stderr, "bad command name")
	assert.True(t, IsInconclusive(err))
}

func TestExecute_NonZeroExitWithoutStderrKeepsOutput(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	exec := newTestExecutor(t, Options{})

	out, err := exec.Execute(context.Background(), ts.endpoint(t, "admin"), "linux-ping-total-loss")
	require.NoError(t, err)
	assert.Contains(t, out, "0 received")
}

func TestExecute_WrongPasswordIsTransportError(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	exec := newTestExecutor(t, Options{})

	_, err := exec.Execute(context.Background(), ts.endpoint(t, "wrong"), "interface set numbers=0 disabled=no")
	var trErr *TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "handshake", trErr.Op)
	assert.True(t, IsInconclusive(err))
}

func TestExecute_ConnectionRefused(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	ep := ts.endpoint(t, "admin")
	ts.close()

	exec := newTestExecutor(t, Options{})
	_, err := exec.Execute(context.Background(), ep, "interface set numbers=0 disabled=no")
	var trErr *TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "dial", trErr.Op)
}

func TestExecute_RedialsAfterDroppedConnection(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	exec := newTestExecutor(t, Options{})
	ep := ts.endpoint(t, "admin")

	_, err := exec.Execute(context.Background(), ep, "interface set numbers=0 disabled=no")
	require.NoError(t, err)

	ts.dropConnections()
	time.Sleep(100 * time.Millisecond)

	_, err = exec.Execute(context.Background(), ep, "interface set numbers=0 disabled=no")
	var trErr *TransportError
	require.ErrorAs(t, err, &trErr, "stale client must surface as a transport failure")

	_, err = exec.Execute(context.Background(), ep, "interface set numbers=0 disabled=no")
	require.NoError(t, err)
	assert.EqualValues(t, 2, ts.accepted.Load())
}

func TestExecute_ContextDeadlineAbortsCommand(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	exec := newTestExecutor(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := exec.Execute(ctx, ts.endpoint(t, "admin"), "hang")
	var trErr *TransportError
	require.ErrorAs(t, err, &trErr)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_DialThrottled(t *testing.T) {
	ts := newTestServer(t, "admin", routerHandler)
	ep := ts.endpoint(t, "admin")
	ts.close()

	exec := newTestExecutor(t, Options{DialRatePerMinute: 1, DialBurst: 1})

	_, err := exec.Execute(context.Background(), ep, "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDialThrottled))

	_, err = exec.Execute(context.Background(), ep, "x")
	require.ErrorIs(t, err, ErrDialThrottled)
}

func TestNewSSHExecutor_MissingKnownHosts(t *testing.T) {
	_, err := NewSSHExecutor(Options{KnownHostsFile: "/nonexistent/known_hosts"})
	require.Error(t, err)
}
