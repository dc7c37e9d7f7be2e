package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/casepot/capsule-sub004/engine"
	"github.com/casepot/capsule-sub004/engine/basic"
	"github.com/casepot/capsule-sub004/pool"
	"github.com/casepot/capsule-sub004/protocol"
	"github.com/casepot/capsule-sub004/session"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Worker is an HTTP daemon that leases interpreter sessions to remote
// clients. The worker requires mTLS for both traffic encryption and authz.
type Worker struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	newEngine    func() engine.Engine
	engineName   string
	poolSize     int
	busyDeadline time.Duration
	execTimeout  time.Duration
	maxFrameSize uint32

	httpServer *http.Server
	sessions   *pool.Pool

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(w *Worker)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(w *Worker) {
		w.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(w *Worker) {
		w.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		w.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(w *Worker) {
		w.logger = w.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithEngine sets the constructor used to build the engine for each pooled
// session.
func WithEngine(newEngine func() engine.Engine) Option {
	return func(w *Worker) {
		w.newEngine = newEngine
	}
}

func WithPoolSize(n int) Option {
	return func(w *Worker) {
		w.poolSize = n
	}
}

// WithBusyDeadline sets how long a released session may stay busy before
// the pool forces a reset.
func WithBusyDeadline(d time.Duration) Option {
	return func(w *Worker) {
		w.busyDeadline = d
	}
}

// WithExecTimeout caps the wall-clock duration of every execution on this
// worker. Zero means no cap.
func WithExecTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.execTimeout = d
	}
}

func WithMaxFrameSize(n uint32) Option {
	return func(w *Worker) {
		w.maxFrameSize = n
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// New constructs a new worker daemon.
func New(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*Worker, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	w := &Worker{
		logger:           logger.Named("worker").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8090",
		newEngine:        func() engine.Engine { return basic.New() },
		poolSize:         pool.DefaultSize,
		maxFrameSize:     protocol.DefaultMaxFrameSize,
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.maxFrameSize == 0 {
		w.maxFrameSize = protocol.DefaultMaxFrameSize
	}
	w.engineName = w.newEngine().Name()

	factory := func() (*session.Session, error) {
		sessOpts := []session.Option{session.WithLogger(w.logger.Desugar())}
		if w.execTimeout > 0 {
			sessOpts = append(sessOpts, session.WithExecTimeout(w.execTimeout))
		}
		return session.New(w.newEngine(), sessOpts...)
	}
	poolOpts := []pool.Option{
		pool.WithSize(w.poolSize),
		pool.WithLogger(w.logger.Desugar()),
	}
	if w.busyDeadline > 0 {
		poolOpts = append(poolOpts, pool.WithBusyDeadline(w.busyDeadline))
	}
	sessions, err := pool.New(factory, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("building session pool: %w", err)
	}
	w.sessions = sessions

	return w, nil
}

// startHeartbeatCheck starts a goroutine that checks for a heartbeat timeout
// and invokes the failure handler when a timeout occurs.
func (w *Worker) startHeartbeatCheck() {
	go func() {
		w.heartbeatMut.Lock()
		w.lastHeartbeat = time.Now()
		w.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.closed:
				return
			case <-ticker.C:
			}

			w.heartbeatMut.Lock()
			lastHeartbeat := w.lastHeartbeat
			w.heartbeatMut.Unlock()

			if lastHeartbeat.Add(w.heartbeatTimeout).Before(time.Now()) {
				if w.heartbeatFailureHandler != nil {
					w.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (w *Worker) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", w.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(w.caCertPEM, w.certPEM, w.keyPEM)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	router := httprouter.New()
	router.GET("/heartbeat", w.heartbeat)
	router.GET("/session", w.session)
	router.POST("/execute", w.execute)
	router.GET("/status", w.status)

	server := http.Server{Handler: router}
	w.httpServer = &server

	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the worker and returns once the worker has stopped.
func (w *Worker) Run() error {
	w.startHeartbeatCheck()
	return w.runHTTPServer()
}

func (w *Worker) heartbeat(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.heartbeatMut.Lock()
	lastHeartbeat := w.lastHeartbeat
	w.lastHeartbeat = time.Now()
	w.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		w.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	rw.Header().Add("Content-Type", "application/json")
	rw.Write(b)
}

// session leases one pooled session to the client for the life of the
// WebSocket connection. The session goes back to the pool when the
// connection drops.
func (w *Worker) session(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		w.logger.Debugf("session WebSocket accept error: %s", err)
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.logger.Debug("accepted session WebSocket conn")

	sess, err := w.sessions.Acquire(r.Context())
	if err != nil {
		w.logger.Debugf("session acquire error: %s", err)
		wsConn.Close(websocket.StatusTryAgainLater, "no session available")
		return
	}
	defer w.sessions.Release(sess)

	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	host := newConnHost(w.logger.Named("conn_host"), conn, sess, w.maxFrameSize)
	host.run(r.Context())
}

type ExecuteRequest struct {
	Code      string
	Inputs    []string
	TimeoutMS int64
}

type ExecuteResponse struct {
	ExecutionID      string
	Stdout           string
	Stderr           string
	Value            json.RawMessage
	Repr             string
	TimeMS           int64
	ExceptionType    string
	ExceptionMessage string
	Traceback        string
}

// execute is a simple one-shot runner which takes a buffer of canned input
// lines and sends all of stdout and stderr in the response. This is much
// easier to curl and write simple clients against, but doesn't support
// streaming output or interactive input.
func (w *Worker) execute(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ExecuteRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&req)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(rw, "request contained no code", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	sess, err := w.sessions.Acquire(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer w.sessions.Release(sess)

	exec, err := sess.Execute(ctx, req.Code)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}

	resp := ExecuteResponse{ExecutionID: exec.ID()}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	inputs := req.Inputs
	for {
		msg, err := exec.Next(ctx)
		if err != nil {
			// Request aborted or timed out. Stop the execution, then
			// drain its terminal so the session goes back to the pool
			// clean.
			sess.Cancel()
			drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
			msg, err = exec.Wait(drainCtx)
			cancelDrain()
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		switch msg.Type {
		case protocol.TypeOutput:
			if msg.Stream == protocol.StreamStderr {
				stderr.Write(msg.Data)
			} else {
				stdout.Write(msg.Data)
			}
		case protocol.TypeInputRequest:
			if len(inputs) == 0 {
				// Nothing left to feed it; cancel rather than hang the
				// request until its deadline.
				sess.Cancel()
				continue
			}
			next := inputs[0]
			inputs = inputs[1:]
			if serr := sess.SubmitInput(msg.InputID, []byte(next)); serr != nil {
				w.logger.Debugf("error submitting canned input: %s", serr)
			}
		case protocol.TypeResult:
			resp.Value = msg.Value
			resp.Repr = msg.Repr
			resp.TimeMS = msg.TimeMS
		case protocol.TypeError:
			resp.ExceptionType = msg.ExceptionType
			resp.ExceptionMessage = msg.ExceptionMessage
			resp.Traceback = msg.Traceback
		}
		if msg.Terminal() {
			break
		}
	}
	resp.Stdout = stdout.String()
	resp.Stderr = stderr.String()

	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(200)
	rw.Write(b)
}

type StatusResponse struct {
	Engine string
	Pool   pool.Stats
}

func (w *Worker) status(rw http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := StatusResponse{
		Engine: w.engineName,
		Pool:   w.sessions.Stats(),
	}
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Add("Content-Type", "application/json")
	rw.Write(b)
}

func (w *Worker) Stop() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		if w.httpServer != nil {
			err = w.httpServer.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := w.sessions.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
