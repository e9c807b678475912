package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"edgefailover/internal/logging"
	"edgefailover/internal/models"
	"edgefailover/internal/remote"
)

// Prober produces raw output for one poll. A non-nil error means the poll is
// inconclusive and must not be evaluated.
type Prober interface {
	Probe(ctx context.Context) (string, error)
	Source() models.Source
}

// Methods accepted by NewConnectivity.
const (
	MethodFping = "fping"
	MethodPing  = "ping"
	MethodICMP  = "icmp"
)

// runFunc executes an external tool and returns its combined output and exit code.
type runFunc func(ctx context.Context, name string, args ...string) (output string, exitCode int, err error)

// ConnectivityOptions configures the reachability probe.
type ConnectivityOptions struct {
	Method         string
	Target         string
	Attempts       int
	AttemptTimeout time.Duration
	Logger         logging.Logger
}

// Connectivity pings the primary (usually its loopback) from this host.
type Connectivity struct {
	opts   ConnectivityOptions
	run    runFunc
	logger logging.Logger

	fallbackOnce sync.Once
	method       string
	methodMu     sync.Mutex
}

// NewConnectivity returns a connectivity prober.
func NewConnectivity(opts ConnectivityOptions) *Connectivity {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 500 * time.Millisecond
	}
	if opts.Method == "" {
		opts.Method = MethodFping
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Connectivity{
		opts:   opts,
		run:    runTool,
		logger: logger,
		method: opts.Method,
	}
}

// Source implements Prober.
func (c *Connectivity) Source() models.Source { return models.SourceConnectivity }

// budgetSlack covers process start-up and name resolution on top of the
// time a tool may legitimately spend waiting for replies.
const budgetSlack = time.Second

// Probe runs one bounded reachability check. Each method gets a deadline
// covering its worst case against a dead target, so total loss is reported
// as output rather than as a timeout.
func (c *Connectivity) Probe(ctx context.Context) (string, error) {
	method := c.currentMethod()
	switch method {
	case MethodICMP:
		return c.withBudget(ctx, method, c.probeICMP)
	case MethodPing:
		return c.withBudget(ctx, method, c.probePing)
	default:
		out, err := c.withBudget(ctx, MethodFping, c.probeFping)
		if errors.Is(err, exec.ErrNotFound) {
			c.fallbackOnce.Do(func() {
				c.logger.Warn("fping not found, using standard ping")
				c.setMethod(MethodPing)
			})
			return c.withBudget(ctx, MethodPing, c.probePing)
		}
		return out, err
	}
}

func (c *Connectivity) withBudget(ctx context.Context, method string, probe func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.budget(method))
	defer cancel()
	return probe(ctx)
}

// budget is the longest a method may run before the poll counts as hung.
func (c *Connectivity) budget(method string) time.Duration {
	attempts := time.Duration(c.opts.Attempts)
	switch method {
	case MethodPing:
		// iputils sends one request per second and waits -W after the last.
		return (attempts-1)*time.Second + time.Duration(c.pingWaitSecs())*time.Second + budgetSlack
	default:
		// fping runs with -B 1, so every attempt waits the same timeout.
		return attempts*c.opts.AttemptTimeout + budgetSlack
	}
}

func (c *Connectivity) pingWaitSecs() int {
	waitSecs := int(math.Ceil(c.opts.AttemptTimeout.Seconds()))
	if waitSecs < 1 {
		waitSecs = 1
	}
	return waitSecs
}

func (c *Connectivity) currentMethod() string {
	c.methodMu.Lock()
	defer c.methodMu.Unlock()
	return c.method
}

func (c *Connectivity) setMethod(m string) {
	c.methodMu.Lock()
	c.method = m
	c.methodMu.Unlock()
}

// fping exits 0 when the target answered and 1 when it did not; anything
// higher is a usage or system error.
func (c *Connectivity) probeFping(ctx context.Context) (string, error) {
	args := []string{
		"-r", strconv.Itoa(c.opts.Attempts - 1),
		"-B", "1",
		"-t", strconv.FormatInt(c.opts.AttemptTimeout.Milliseconds(), 10),
		c.opts.Target,
	}
	out, code, err := c.run(ctx, "fping", args...)
	if err != nil {
		return "", fmt.Errorf("fping %s: %w", c.opts.Target, err)
	}
	if code > 1 {
		return "", fmt.Errorf("fping %s exited %d: %s", c.opts.Target, code, bytes.TrimSpace([]byte(out)))
	}
	return out, nil
}

// ping (iputils) exits 0 on any reply, 1 on none and 2 on errors.
func (c *Connectivity) probePing(ctx context.Context) (string, error) {
	args := []string{
		"-c", strconv.Itoa(c.opts.Attempts),
		"-W", strconv.Itoa(c.pingWaitSecs()),
		c.opts.Target,
	}
	out, code, err := c.run(ctx, "ping", args...)
	if err != nil {
		return "", fmt.Errorf("ping %s: %w", c.opts.Target, err)
	}
	if code > 1 {
		return "", fmt.Errorf("ping %s exited %d: %s", c.opts.Target, code, bytes.TrimSpace([]byte(out)))
	}
	return out, nil
}

// probeICMP sends echo requests over an unprivileged datagram socket until one
// is answered or the attempts run out.
func (c *Connectivity) probeICMP(ctx context.Context) (string, error) {
	dst, err := net.ResolveIPAddr("ip4", c.opts.Target)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", c.opts.Target, err)
	}
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return "", fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	sent, received := 0, 0
	for seq := 1; seq <= c.opts.Attempts && received == 0; seq++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: seq, Data: []byte("edgefailover")},
		}
		wire, err := msg.Marshal(nil)
		if err != nil {
			return "", fmt.Errorf("marshal echo: %w", err)
		}
		if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: dst.IP}); err != nil {
			return "", fmt.Errorf("send echo to %s: %w", dst, err)
		}
		sent++
		if awaitEchoReply(conn, seq, c.opts.AttemptTimeout) {
			received++
		}
	}
	return fmt.Sprintf("%s: sent=%d received=%d", c.opts.Target, sent, received), nil
}

func awaitEchoReply(conn *icmp.PacketConn, seq int, timeout time.Duration) bool {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return true
		}
	}
}

func runTool(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// Children of a killed tool may hold the output pipe open.
	cmd.WaitDelay = 500 * time.Millisecond
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err == nil {
		return buf.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return buf.String(), exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return "", -1, ctx.Err()
	}
	return "", -1, err
}

// CommandPlane runs the ping test through the primary device's own CLI.
type CommandPlane struct {
	exec     remote.Executor
	endpoint models.PathEndpoint
	command  string
}

// NewCommandPlane returns a prober that executes command on endpoint.
func NewCommandPlane(exec remote.Executor, endpoint models.PathEndpoint, command string) *CommandPlane {
	return &CommandPlane{exec: exec, endpoint: endpoint, command: command}
}

// Source implements Prober.
func (p *CommandPlane) Source() models.Source { return models.SourceCommandPlane }

// Probe implements Prober. Transport and command errors pass through unchanged.
func (p *CommandPlane) Probe(ctx context.Context) (string, error) {
	return p.exec.Execute(ctx, p.endpoint, p.command)
}
