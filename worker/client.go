package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casepot/capsule-sub004/protocol"
	"github.com/casepot/capsule-sub004/session"
	"github.com/casepot/capsule-sub004/streambuf"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is a client for interacting with a worker daemon.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	host            string
	tlsClientConfig *tls.Config
	dialCtx         func(ctx context.Context, network, addr string) (net.Conn, error)
	baseURL         string

	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
	maxFrameSize uint32

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Sugar()
	}
}

// WithClientWaitInterval sets the polling interval of WaitForServer.
func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithCustomizeRetryableClient customizes the retryable HTTP client after
// the defaults have been applied.
func WithCustomizeRetryableClient(f func(*retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

func WithClientMaxFrameSize(n uint32) ClientOption {
	return func(c *Client) {
		c.maxFrameSize = n
	}
}

// logAdapter adapts a zap logger to the retryablehttp logger, so that
// retry chatter lands in debug logs.
type logAdapter struct {
	*zap.SugaredLogger
}

func (l logAdapter) Printf(s string, args ...interface{}) {
	l.Debugf(s, args...)
}

// NewClient constructs a client for the worker listening at the given IP
// address and port. The conn is dialed by IP, while the worker's cert is
// verified against the fixed "capsule-worker" hostname baked into certs
// from GenerateCert.
func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	log = log.Named("worker_client")

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEM, certs.Client.CertPEM, certs.Client.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	realAddr := fmt.Sprintf("%s:%d", ipAddr, port)
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, realAddr)
	}

	c := &Client{
		Logger:          log,
		host:            "capsule-worker",
		tlsClientConfig: tlsConfig,
		dialCtx:         dialCtx,
		baseURL:         fmt.Sprintf("https://capsule-worker:%d", port),
		waitInterval:    time.Second,
		maxFrameSize:    protocol.DefaultMaxFrameSize,
		stopHeartbeat:   make(chan struct{}),
	}

	for _, o := range opts {
		o(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: c.tlsClientConfig,
		DialContext:     c.dialCtx,
	}
	retryClient.Logger = logAdapter{c.Logger}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	return c, nil
}

func (c *Client) prepReq(req *http.Request) {
	req.Header.Add("Content-Type", "application/json")
	req.Close = true
}

// SendHeartbeat sends a single heartbeat to the worker, so that it knows a
// client is still alive.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	c.prepReq(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer blocks until the worker responds to heartbeats, or until
// the context is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		err := c.SendHeartbeat(ctx)
		if err == nil {
			return nil
		}
		c.Logger.Debugw("worker not up yet", "Error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartHeartbeat starts a goroutine that heartbeats the worker until
// StopHeartbeat is called.
func (c *Client) StartHeartbeat() {
	c.startHeartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopHeartbeat:
					return
				case <-ticker.C:
				}
				err := c.SendHeartbeat(context.Background())
				if err != nil {
					c.Logger.Debugw("error sending heartbeat", "Error", err)
				}
			}
		}()
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() {
		close(c.stopHeartbeat)
	})
}

// ExecuteOnce runs a single snippet on a pooled session and returns once it
// terminates. Input requests are fed from the request's canned inputs.
func (c *Client) ExecuteOnce(ctx context.Context, execReq ExecuteRequest) (*ExecuteResponse, error) {
	b, err := json.Marshal(execReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling execute request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building execute request: %w", err)
	}
	c.prepReq(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected execute status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var execResp ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&execResp); err != nil {
		return nil, fmt.Errorf("decoding execute response: %w", err)
	}
	return &execResp, nil
}

// Status fetches the worker's pool occupancy.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("building status request: %w", err)
	}
	c.prepReq(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status status code %d", resp.StatusCode)
	}
	var statusResp StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &statusResp, nil
}

// Attach leases a session from the worker's pool and returns a handle for
// driving it over a framed WebSocket connection. The context governs the
// lease: when it is done the connection drops and the session goes back to
// the pool, so use a long-lived context rather than a per-call one.
func (c *Client) Attach(ctx context.Context) (*RemoteSession, error) {
	wsConn, _, err := websocket.Dial(ctx, c.baseURL+"/session", &websocket.DialOptions{
		HTTPClient: c.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing session WebSocket: %w", err)
	}
	conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	buf := streambuf.New()
	rs := &RemoteSession{
		log:     c.Logger.Named("remote_session"),
		conn:    conn,
		buf:     buf,
		frames:  protocol.NewFrameReader(buf, c.maxFrameSize),
		out:     protocol.NewFrameWriter(conn, c.maxFrameSize),
		router:  session.NewRouter(c.Logger.Named("remote_session")),
		pending: make(map[int64]chan protocol.Message),
	}
	rs.router.SetControlHandler(rs.handleControl)

	rs.wg.Add(2)
	go rs.readConn()
	go rs.dispatchFrames()

	return rs, nil
}

// RemoteError is an error reported by the worker for a session operation.
type RemoteError struct {
	Action string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker rejected %s: %s", e.Action, e.Msg)
}

// RemoteSession drives one pooled session on a worker. It is safe for
// concurrent use.
type RemoteSession struct {
	log    *zap.SugaredLogger
	conn   net.Conn
	buf    *streambuf.Buffer
	frames *protocol.FrameReader
	out    *protocol.FrameWriter
	router *session.Router

	callID int64

	mu      sync.Mutex
	pending map[int64]chan protocol.Message
	connErr error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// readConn pumps conn bytes into the frame buffer until the conn errors.
func (rs *RemoteSession) readConn() {
	defer rs.wg.Done()
	b := make([]byte, 32<<10)
	for {
		n, err := rs.conn.Read(b)
		if n > 0 {
			rs.buf.Append(b[:n])
		}
		if err != nil {
			rs.buf.Close(err)
			return
		}
	}
}

func (rs *RemoteSession) dispatchFrames() {
	defer rs.wg.Done()
	for {
		payload, err := rs.frames.ReadFrame()
		if err != nil {
			rs.fail(err)
			rs.close()
			return
		}
		if err := rs.router.Route(payload); err != nil {
			rs.fail(err)
			rs.close()
			return
		}
	}
}

// fail records the first connection error and unblocks callers waiting on
// replies. Execution handles are unblocked by their own contexts.
func (rs *RemoteSession) fail(err error) {
	rs.mu.Lock()
	if rs.connErr == nil {
		rs.connErr = err
	}
	pending := rs.pending
	rs.pending = make(map[int64]chan protocol.Message)
	rs.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (rs *RemoteSession) detachErr() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.connErr == nil || errors.Is(rs.connErr, io.EOF) {
		return errors.New("session connection closed")
	}
	return fmt.Errorf("session connection closed: %w", rs.connErr)
}

func (rs *RemoteSession) handleControl(msg protocol.Message) {
	if msg.Action != protocol.ActionReply {
		rs.log.Warnw("dropping control message with unexpected action", "Action", string(msg.Action))
		return
	}
	rs.mu.Lock()
	ch, ok := rs.pending[msg.CallID]
	if ok {
		delete(rs.pending, msg.CallID)
	}
	rs.mu.Unlock()
	if !ok {
		rs.log.Warnw("dropping reply with no pending call", "CallID", msg.CallID, "Err", msg.Err)
		return
	}
	ch <- msg
}

// call performs one control round-trip and returns the worker's reply.
func (rs *RemoteSession) call(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	id := atomic.AddInt64(&rs.callID, 1)
	msg.CallID = id

	ch := make(chan protocol.Message, 1)
	rs.mu.Lock()
	if rs.connErr != nil {
		rs.mu.Unlock()
		return protocol.Message{}, rs.detachErr()
	}
	rs.pending[id] = ch
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		delete(rs.pending, id)
		rs.mu.Unlock()
	}()

	if err := writeMessage(rs.out, msg); err != nil {
		return protocol.Message{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Message{}, rs.detachErr()
		}
		if reply.Err != "" {
			return protocol.Message{}, &RemoteError{Action: string(msg.Action), Msg: reply.Err}
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Execute submits code to the session and returns a handle on the
// execution's message stream. The worker rejects it with a RemoteError if
// the session is already running something.
func (rs *RemoteSession) Execute(ctx context.Context, code string) (*session.Execution, error) {
	msg := protocol.NewControl(protocol.ActionExec)
	msg.ExecutionID = uuid.NewString()
	msg.Code = code

	// Subscribe before sending so no streamed message can slip past.
	exec := rs.router.Subscribe(msg.ExecutionID)
	if _, err := rs.call(ctx, msg); err != nil {
		rs.router.Discard(msg.ExecutionID)
		return nil, err
	}
	return exec, nil
}

// SubmitInput routes an input response to the execution suspended on the
// matching input request. Responses that match nothing are dropped by the
// worker.
func (rs *RemoteSession) SubmitInput(executionID, inputID string, data []byte) error {
	return writeMessage(rs.out, protocol.NewInputResponse(executionID, inputID, data))
}

// Cancel stops the in-flight execution, if any.
func (rs *RemoteSession) Cancel(ctx context.Context) error {
	_, err := rs.call(ctx, protocol.NewControl(protocol.ActionCancel))
	return err
}

// Reset wipes the session's namespace and checkpoints.
func (rs *RemoteSession) Reset(ctx context.Context) error {
	_, err := rs.call(ctx, protocol.NewControl(protocol.ActionReset))
	return err
}

// Checkpoint snapshots the session's namespace and returns the checkpoint ID.
func (rs *RemoteSession) Checkpoint(ctx context.Context, label string) (string, error) {
	msg := protocol.NewControl(protocol.ActionCheckpoint)
	msg.Label = label
	reply, err := rs.call(ctx, msg)
	if err != nil {
		return "", err
	}
	return reply.CheckpointID, nil
}

// RestoreCheckpoint replaces the session's namespace with a checkpoint's
// contents.
func (rs *RemoteSession) RestoreCheckpoint(ctx context.Context, checkpointID string) error {
	msg := protocol.NewControl(protocol.ActionRestore)
	msg.CheckpointID = checkpointID
	_, err := rs.call(ctx, msg)
	return err
}

// ListEntries returns the names and kinds of the session's namespace
// entries.
func (rs *RemoteSession) ListEntries(ctx context.Context) ([]protocol.EntryInfo, error) {
	reply, err := rs.call(ctx, protocol.NewControl(protocol.ActionList))
	if err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

func (rs *RemoteSession) close() {
	rs.closeOnce.Do(func() {
		if err := rs.conn.Close(); err != nil {
			rs.log.Debugf("error closing conn: %s", err)
		}
	})
}

// Close drops the connection, sending the session back to the worker's
// pool. Outstanding Next and Wait calls are unblocked by their contexts.
func (rs *RemoteSession) Close() error {
	rs.close()
	rs.wg.Wait()
	return nil
}
