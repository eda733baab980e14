// Package sidecar talks to the overlay sidecar: a child process that joins
// the encrypted overlay network and exposes it over line-delimited JSON on
// stdin (commands) and stdout (events). The sidecar owns TLS, DNS, and the
// state directory; this client owns the process lifecycle and the IPC framing.
package sidecar

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

var (
	// ErrStartupTimeout is returned when the sidecar does not reach the
	// running state within the start timeout.
	ErrStartupTimeout = errors.New("sidecar: startup timed out")

	// ErrStartup is returned when the sidecar reports an error state during
	// startup.
	ErrStartup = errors.New("sidecar: startup failed")

	// ErrNotRunning is returned for commands issued while the sidecar process
	// is not up.
	ErrNotRunning = errors.New("sidecar: not running")
)

// Hooks receives sidecar events. Unset hooks are skipped. Frame payloads are
// handed over as raw bytes; the base64 text encoding used inside the IPC is
// an implementation detail of this package.
type Hooks struct {
	OnStatus         func(status StatusData)
	OnAuthRequired   func(authURL string)
	OnPeers          func(peers []TailnetPeer)
	OnWsConnect      func(connectionID, remoteAddr string)
	OnWsMessage      func(connectionID string, frame []byte)
	OnWsDisconnect   func(connectionID, reason string)
	OnDialConnected  func(deviceID, remoteAddr string)
	OnDialMessage    func(deviceID string, frame []byte)
	OnDialDisconnect func(deviceID, reason string)
	OnDialError      func(deviceID, errMsg string)
	OnError          func(code, message string)
}

// Config holds construction parameters for a Client.
type Config struct {
	// BinaryPath is the sidecar executable to spawn.
	BinaryPath string

	// Args are extra command-line arguments for the sidecar.
	Args []string

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Hooks receive sidecar events.
	Hooks Hooks

	// StartTimeout bounds Start. Defaults to 30s.
	StartTimeout time.Duration

	// StopTimeout bounds the graceful half of Stop before the process is
	// killed. Defaults to 5s.
	StopTimeout time.Duration
}

// StartParams are the overlay join parameters for tsnet:start.
type StartParams struct {
	Hostname       string
	StateDir       string
	AuthKey        string
	StaticPath     string
	HostnamePrefix string
}

// Client spawns and supervises one sidecar process.
type Client struct {
	cfg Config
	log *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{} // closed when the process exits
	startCh chan error    // receives the Start outcome, nil once resolved
	status  StatusData
}

// New creates a sidecar client. Call Start to spawn the process.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Client{
		cfg: cfg,
		log: log.With("component", "sidecar"),
	}
}

// Start spawns the sidecar and joins the overlay. It returns once the sidecar
// reports the running state, fails with ErrStartupTimeout after the start
// timeout, or with ErrStartup when an error state is observed. A pending
// interactive login (authRequired while still starting) does not resolve
// Start; it is surfaced through Hooks.OnAuthRequired.
func (c *Client) Start(ctx context.Context, params StartParams) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return errors.New("sidecar: already started")
	}

	cmd := exec.Command(c.cfg.BinaryPath, c.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("sidecar: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("sidecar: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("sidecar: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("sidecar: spawning %s: %w", c.cfg.BinaryPath, err)
	}

	done := make(chan struct{})
	startCh := make(chan error, 1)
	c.cmd = cmd
	c.stdin = stdin
	c.done = done
	c.startCh = startCh
	c.mu.Unlock()

	c.log.Info("sidecar spawned", "binary", c.cfg.BinaryPath, "pid", cmd.Process.Pid)

	go c.readLoop(stdout)
	go c.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		c.log.Info("sidecar exited", "error", err)
		close(done)
	}()

	if err := c.send(Command{Command: CmdStart, Data: StartData{
		Hostname:       params.Hostname,
		StateDir:       params.StateDir,
		AuthKey:        params.AuthKey,
		StaticPath:     params.StaticPath,
		HostnamePrefix: params.HostnamePrefix,
	}}); err != nil {
		c.kill()
		return err
	}

	select {
	case err := <-startCh:
		if err != nil {
			c.kill()
		}
		return err
	case <-time.After(c.cfg.StartTimeout):
		c.kill()
		return ErrStartupTimeout
	case <-ctx.Done():
		c.kill()
		return ctx.Err()
	case <-done:
		return fmt.Errorf("%w: process exited during startup", ErrStartup)
	}
}

// Stop sends tsnet:stop and waits for the process to exit, killing it after
// the stop timeout.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	done := c.done
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := c.send(Command{Command: CmdStop}); err != nil {
		c.kill()
		<-done
		return nil
	}

	select {
	case <-done:
	case <-time.After(c.cfg.StopTimeout):
		c.log.Warn("sidecar did not exit in time, killing")
		c.kill()
		<-done
	case <-ctx.Done():
		c.kill()
		<-done
	}
	return nil
}

// Status returns the last observed status event.
func (c *Client) Status() StatusData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RequestPeers asks the sidecar for the current peer list. The answer arrives
// asynchronously via Hooks.OnPeers.
func (c *Client) RequestPeers() error {
	return c.send(Command{Command: CmdGetPeers})
}

// Dial asks the sidecar to open an outgoing stream to a device.
func (c *Client) Dial(deviceID, hostname, dnsName string, port int) error {
	if port == 0 {
		port = 443
	}
	return c.send(Command{Command: CmdDial, Data: DialData{
		DeviceID: deviceID,
		Hostname: hostname,
		DNSName:  dnsName,
		Port:     port,
	}})
}

// DialClose closes an outgoing stream.
func (c *Client) DialClose(deviceID string) error {
	return c.send(Command{Command: CmdDialClose, Data: DialCloseData{DeviceID: deviceID}})
}

// DialMessage sends frame bytes on an outgoing stream.
func (c *Client) DialMessage(deviceID string, frame []byte) error {
	return c.send(Command{Command: CmdDialMessage, Data: DialMessageData{
		DeviceID: deviceID,
		Data:     base64.StdEncoding.EncodeToString(frame),
	}})
}

// WsMessage sends frame bytes on an accepted stream.
func (c *Client) WsMessage(connectionID string, frame []byte) error {
	return c.send(Command{Command: CmdWsMessage, Data: WsMessageData{
		ConnectionID: connectionID,
		Data:         base64.StdEncoding.EncodeToString(frame),
	}})
}

func (c *Client) send(cmd Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return ErrNotRunning
	}
	line, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("sidecar: marshaling command: %w", err)
	}
	// One JSON object per line, flushed per write.
	if _, err := fmt.Fprintf(c.stdin, "%s\n", line); err != nil {
		return fmt.Errorf("sidecar: writing command: %w", err)
	}
	return nil
}

func (c *Client) kill() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Frames can reach 16 MiB before base64; size the line buffer for the
	// worst case plus JSON overhead.
	scanner.Buffer(make([]byte, 64*1024), 32<<20)

	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			c.log.Warn("ignoring malformed sidecar event", "error", err)
			continue
		}
		c.dispatch(evt)
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn("sidecar stdout closed", "error", err)
	}
}

func (c *Client) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debug("sidecar", "line", scanner.Text())
	}
}

func (c *Client) dispatch(evt Event) {
	hooks := c.cfg.Hooks
	switch evt.Event {
	case EvtStatus:
		var data StatusData
		if !c.decode(evt, &data) {
			return
		}
		c.handleStatus(data)
		if hooks.OnStatus != nil {
			hooks.OnStatus(data)
		}

	case EvtAuthRequired:
		var data AuthRequiredData
		if !c.decode(evt, &data) {
			return
		}
		c.log.Info("overlay login required", "url", data.AuthURL)
		if hooks.OnAuthRequired != nil {
			hooks.OnAuthRequired(data.AuthURL)
		}

	case EvtPeers:
		var data PeersData
		if !c.decode(evt, &data) {
			return
		}
		if hooks.OnPeers != nil {
			hooks.OnPeers(data.Peers)
		}

	case EvtWsConnect:
		var data WsConnectData
		if !c.decode(evt, &data) {
			return
		}
		if hooks.OnWsConnect != nil {
			hooks.OnWsConnect(data.ConnectionID, data.RemoteAddr)
		}

	case EvtWsMessage:
		var data WsMessageData
		if !c.decode(evt, &data) {
			return
		}
		frame, err := base64.StdEncoding.DecodeString(data.Data)
		if err != nil {
			c.log.Warn("dropping undecodable ws message", "connection_id", data.ConnectionID, "error", err)
			return
		}
		if hooks.OnWsMessage != nil {
			hooks.OnWsMessage(data.ConnectionID, frame)
		}

	case EvtWsDisconnect:
		var data WsDisconnectData
		if !c.decode(evt, &data) {
			return
		}
		if hooks.OnWsDisconnect != nil {
			hooks.OnWsDisconnect(data.ConnectionID, data.Reason)
		}

	case EvtDialConnected:
		var data DialConnectedData
		if !c.decode(evt, &data) {
			return
		}
		if hooks.OnDialConnected != nil {
			hooks.OnDialConnected(data.DeviceID, data.RemoteAddr)
		}

	case EvtDialMessage:
		var data DialMessageData
		if !c.decode(evt, &data) {
			return
		}
		frame, err := base64.StdEncoding.DecodeString(data.Data)
		if err != nil {
			c.log.Warn("dropping undecodable dial message", "device_id", data.DeviceID, "error", err)
			return
		}
		if hooks.OnDialMessage != nil {
			hooks.OnDialMessage(data.DeviceID, frame)
		}

	case EvtDialDisconnect:
		var data DialDisconnectData
		if !c.decode(evt, &data) {
			return
		}
		if hooks.OnDialDisconnect != nil {
			hooks.OnDialDisconnect(data.DeviceID, data.Reason)
		}

	case EvtDialError:
		var data DialErrorData
		if !c.decode(evt, &data) {
			return
		}
		if hooks.OnDialError != nil {
			hooks.OnDialError(data.DeviceID, data.Error)
		}

	case EvtError:
		var data ErrorData
		if !c.decode(evt, &data) {
			return
		}
		c.log.Warn("sidecar error", "code", data.Code, "message", data.Message)
		if hooks.OnError != nil {
			hooks.OnError(data.Code, data.Message)
		}

	default:
		c.log.Debug("ignoring unknown sidecar event", "event", evt.Event)
	}
}

func (c *Client) decode(evt Event, v any) bool {
	if err := json.Unmarshal(evt.Data, v); err != nil {
		c.log.Warn("malformed sidecar event data", "event", evt.Event, "error", err)
		return false
	}
	return true
}

// handleStatus records the status and resolves a pending Start when the
// sidecar reaches running or reports an error.
func (c *Client) handleStatus(data StatusData) {
	c.mu.Lock()
	c.status = data
	startCh := c.startCh
	switch data.State {
	case StateRunning:
		c.startCh = nil
	case StateError:
		c.startCh = nil
	default:
		startCh = nil
	}
	c.mu.Unlock()

	if startCh == nil {
		return
	}
	if data.State == StateRunning {
		startCh <- nil
	} else {
		startCh <- fmt.Errorf("%w: %s", ErrStartup, data.Error)
	}
}
