package hypervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"
)

// Sentinel errors returned by the control-socket operations, matching the
// QMP responses a caller branches on.
var (
	ErrVmAlreadyRunning = fmt.Errorf("hypervisor: VM already running")
	ErrVmNotRunning     = fmt.Errorf("hypervisor: VM not running")
)

// Client manages the QEMU binary and its control socket.
type Client struct {
	binaryPath        string
	socketPollTimeout time.Duration
	dialTimeout       time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithBinaryPath overrides the qemu-system-x86_64 executable path.
func WithBinaryPath(path string) Option { return func(c *Client) { c.binaryPath = path } }

// WithSocketPollTimeout overrides how long StartVM waits for the control
// socket to appear before giving up.
func WithSocketPollTimeout(d time.Duration) Option {
	return func(c *Client) { c.socketPollTimeout = d }
}

// NewClient builds a Client defaulting to the qemu-system-x86_64 binary
// on PATH.
func NewClient(opts ...Option) *Client {
	c := &Client{
		binaryPath:        "qemu-system-x86_64",
		socketPollTimeout: 10 * time.Second,
		dialTimeout:       2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartVM launches spec as a daemonized QEMU process controlled over
// socketPath. If a VM is already reachable at socketPath, it returns
// ErrVmAlreadyRunning instead of launching a second process.
func (c *Client) StartVM(spec VmSpec, socketPath string) error {
	if c.isReachable(socketPath) {
		return ErrVmAlreadyRunning
	}

	args := BuildArgs(spec, socketPath)
	cmd := exec.Command(c.binaryPath, args...)
	// The hypervisor process is an opaque child managed entirely through
	// its control socket; it must never inherit this process's stdio.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting qemu: %w", err)
	}

	deadline := time.Now().Add(c.socketPollTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("control socket %s did not appear within %s", socketPath, c.socketPollTimeout)
}

// StopVM issues a graceful power-down, or a forced quit if force is set.
func (c *Client) StopVM(socketPath string, force bool) error {
	conn, err := c.negotiate(socketPath)
	if err != nil {
		if !c.isReachable(socketPath) {
			return ErrVmNotRunning
		}
		return err
	}
	defer conn.Close()

	cmd := "system_powerdown"
	if force {
		cmd = "quit"
	}
	_, err = c.execute(conn, cmd)
	return err
}

// RestartVM issues a hardware reset over the control socket.
func (c *Client) RestartVM(socketPath string) error {
	conn, err := c.negotiate(socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = c.execute(conn, "system_reset")
	return err
}

// IsVMRunning attempts to connect and negotiate the QMP handshake,
// treating success as "running".
func (c *Client) IsVMRunning(socketPath string) bool {
	conn, err := c.negotiate(socketPath)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = c.execute(conn, "query-cpus-fast")
	return err == nil
}

func (c *Client) isReachable(socketPath string) bool {
	conn, err := c.negotiate(socketPath)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

type qmpGreeting struct {
	QMP json.RawMessage `json:"QMP"`
}

type qmpCommand struct {
	Execute string `json:"execute"`
}

type qmpResponse struct {
	Return json.RawMessage `json:"return"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
}

// negotiate dials socketPath and performs the QMP capabilities handshake,
// returning a connection ready to receive commands.
func (c *Client) negotiate(socketPath string) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", socketPath, c.dialTimeout)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	var greeting qmpGreeting
	if err := json.NewDecoder(reader).Decode(&greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading QMP greeting: %w", err)
	}

	if _, err := conn.Write(mustMarshal(qmpCommand{Execute: "qmp_capabilities"})); err != nil {
		conn.Close()
		return nil, err
	}
	var resp qmpResponse
	if err := json.NewDecoder(reader).Decode(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading qmp_capabilities response: %w", err)
	}
	if resp.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("qmp_capabilities failed: %s", resp.Error.Desc)
	}

	return &bufferedConn{Conn: conn, reader: reader}, nil
}

func (c *Client) execute(conn net.Conn, command string) (json.RawMessage, error) {
	if _, err := conn.Write(mustMarshal(qmpCommand{Execute: command})); err != nil {
		return nil, err
	}
	bc, ok := conn.(*bufferedConn)
	var dec *json.Decoder
	if ok {
		dec = json.NewDecoder(bc.reader)
	} else {
		dec = json.NewDecoder(conn)
	}
	var resp qmpResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading %s response: %w", command, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %s", command, resp.Error.Desc)
	}
	return resp.Return, nil
}

// bufferedConn lets the decoder buffer survive across the greeting,
// capabilities handshake, and the eventual command write/read, since a
// raw net.Conn has no buffering of its own and a fresh bufio.Reader per
// call would drop bytes already read into the first one's buffer.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return append(b, '\n')
}
