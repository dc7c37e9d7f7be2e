package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/casepot/capsule-sub004/engine/basic"
	internalnet "github.com/casepot/capsule-sub004/internal/net"
	"github.com/casepot/capsule-sub004/protocol"
	"github.com/casepot/capsule-sub004/session"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

type testWorker struct {
	worker *Worker
	client *Client
	certs  *Certs
	port   int
}

func startTestWorker(t *testing.T, opts ...Option) *testWorker {
	t.Helper()

	certs, err := GenerateCert()
	require.NoError(t, err)

	port, err := internalnet.GetEphemeralTCPPort()
	require.NoError(t, err)

	opts = append([]Option{
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
		WithPoolSize(2),
	}, opts...)
	w, err := New(certs.CA.CertPEM, certs.Server.CertPEM, certs.Server.KeyPEM, opts...)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run() }()
	t.Cleanup(func() {
		require.NoError(t, w.Stop())
		require.NoError(t, <-runErr)
	})

	client, err := NewClient(log, certs, "127.0.0.1", port, WithClientWaitInterval(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))

	return &testWorker{worker: w, client: client, certs: certs, port: port}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func attach(t *testing.T, ctx context.Context, c *Client) *RemoteSession {
	t.Helper()
	rs, err := c.Attach(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rs.Close())
	})
	return rs
}

func waitTerminal(t *testing.T, ctx context.Context, exec *session.Execution) protocol.Message {
	t.Helper()
	msg, err := exec.Wait(ctx)
	require.NoError(t, err)
	return msg
}

func TestWorkerRejectsUnauthorizedClient(t *testing.T) {
	tw := startTestWorker(t)

	// Client certs signed by some other CA must fail server-side validation.
	otherCerts, err := GenerateCert()
	require.NoError(t, err)
	otherCerts.CA = tw.certs.CA

	client, err := NewClient(log, otherCerts, "127.0.0.1", tw.port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "tls: bad certificate")
}

func TestExecuteOnce(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)

	resp, err := tw.client.ExecuteOnce(ctx, ExecuteRequest{Code: "print(\"hi\")\n1 + 1"})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, "hi\n", resp.Stdout)
	assert.Empty(t, resp.Stderr)
	assert.Equal(t, "2", resp.Repr)
	assert.Equal(t, "2", string(resp.Value))
	assert.Empty(t, resp.ExceptionType)
	assert.GreaterOrEqual(t, resp.TimeMS, int64(0))
}

func TestExecuteOnceFeedsCannedInputs(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)

	resp, err := tw.client.ExecuteOnce(ctx, ExecuteRequest{
		Code:   "name = input(\"who? \")\n\"hello \" + name",
		Inputs: []string{"gopher"},
	})
	require.NoError(t, err)

	assert.Empty(t, resp.ExceptionType)
	assert.Equal(t, `"hello gopher"`, resp.Repr)
}

func TestExecuteOnceCancelsWhenInputsRunOut(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)

	resp, err := tw.client.ExecuteOnce(ctx, ExecuteRequest{Code: "input(\"? \")"})
	require.NoError(t, err)

	assert.Equal(t, protocol.ExcCancelled, resp.ExceptionType)
}

func TestExecuteOnceReportsFault(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)

	resp, err := tw.client.ExecuteOnce(ctx, ExecuteRequest{Code: "boom"})
	require.NoError(t, err)

	assert.Equal(t, "NameError", resp.ExceptionType)
	assert.Contains(t, resp.ExceptionMessage, "boom")
	assert.Contains(t, resp.Traceback, "line 1")
	assert.Empty(t, resp.Repr)
}

func TestExecuteOnceRejectsEmptyCode(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)

	_, err := tw.client.ExecuteOnce(ctx, ExecuteRequest{})
	require.ErrorContains(t, err, "unexpected execute status code 400")
}

func TestStatus(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)

	status, err := tw.client.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, "basic", status.Engine)
	assert.Equal(t, 2, status.Pool.Size)
	assert.Equal(t, 0, status.Pool.InUse)
}

func TestRemoteSessionStatePersists(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)
	rs := attach(t, ctx, tw.client)

	exec, err := rs.Execute(ctx, "x = 10")
	require.NoError(t, err)
	msg := waitTerminal(t, ctx, exec)
	require.Equal(t, protocol.TypeResult, msg.Type)
	assert.Equal(t, "10", msg.Repr)

	exec, err = rs.Execute(ctx, "x + 5")
	require.NoError(t, err)
	msg = waitTerminal(t, ctx, exec)
	require.Equal(t, protocol.TypeResult, msg.Type)
	assert.Equal(t, "15", msg.Repr)
}

func TestRemoteSessionStreamsOutputBeforeResult(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)
	rs := attach(t, ctx, tw.client)

	exec, err := rs.Execute(ctx, "print(\"a\")\nprint(\"b\")\n42")
	require.NoError(t, err)

	var kinds []protocol.MessageType
	var chunks []string
	for {
		msg, err := exec.Next(ctx)
		require.NoError(t, err)
		kinds = append(kinds, msg.Type)
		if msg.Type == protocol.TypeOutput {
			chunks = append(chunks, string(msg.Data))
		}
		if msg.Terminal() {
			assert.Equal(t, "42", msg.Repr)
			break
		}
	}
	assert.Equal(t, []protocol.MessageType{protocol.TypeOutput, protocol.TypeOutput, protocol.TypeResult}, kinds)
	assert.Equal(t, []string{"a\n", "b\n"}, chunks)
}

func TestRemoteSessionInputRoundTrip(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)
	rs := attach(t, ctx, tw.client)

	exec, err := rs.Execute(ctx, "n = input(\"n: \")\nn")
	require.NoError(t, err)

	msg, err := exec.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeInputRequest, msg.Type)
	assert.Equal(t, "n: ", msg.Prompt)
	require.NotEmpty(t, msg.InputID)

	require.NoError(t, rs.SubmitInput(exec.ID(), msg.InputID, []byte("5")))

	terminal := waitTerminal(t, ctx, exec)
	require.Equal(t, protocol.TypeResult, terminal.Type)
	assert.Equal(t, `"5"`, terminal.Repr)
}

func TestRemoteSessionBusyRejected(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)
	rs := attach(t, ctx, tw.client)

	exec, err := rs.Execute(ctx, "input(\"block: \")")
	require.NoError(t, err)

	// Wait until it suspends so the session is visibly busy.
	msg, err := exec.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeInputRequest, msg.Type)

	_, err = rs.Execute(ctx, "1")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Msg, "session is busy")

	require.NoError(t, rs.Cancel(ctx))
	terminal := waitTerminal(t, ctx, exec)
	require.Equal(t, protocol.TypeError, terminal.Type)
	assert.Equal(t, protocol.ExcCancelled, terminal.ExceptionType)
}

func TestRemoteSessionExecTimeout(t *testing.T) {
	tw := startTestWorker(t, WithExecTimeout(100*time.Millisecond))
	ctx := testCtx(t)
	rs := attach(t, ctx, tw.client)

	exec, err := rs.Execute(ctx, "input(\"never: \")")
	require.NoError(t, err)

	terminal := waitTerminal(t, ctx, exec)
	require.Equal(t, protocol.TypeError, terminal.Type)
	assert.Equal(t, protocol.ExcTimeout, terminal.ExceptionType)
}

func TestRemoteSessionCheckpointRestoreList(t *testing.T) {
	tw := startTestWorker(t)
	ctx := testCtx(t)
	rs := attach(t, ctx, tw.client)

	exec, err := rs.Execute(ctx, "x = 1")
	require.NoError(t, err)
	waitTerminal(t, ctx, exec)

	cp, err := rs.Checkpoint(ctx, "before")
	require.NoError(t, err)
	require.NotEmpty(t, cp)

	exec, err = rs.Execute(ctx, "y = 2")
	require.NoError(t, err)
	waitTerminal(t, ctx, exec)

	entries, err := rs.ListEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.EntryInfo{
		{Name: "x", Kind: "variable"},
		{Name: "y", Kind: "variable"},
	}, entries)

	require.NoError(t, rs.RestoreCheckpoint(ctx, cp))
	entries, err = rs.ListEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.EntryInfo{{Name: "x", Kind: "variable"}}, entries)

	var remoteErr *RemoteError
	err = rs.RestoreCheckpoint(ctx, "no-such-checkpoint")
	require.ErrorAs(t, err, &remoteErr)

	require.NoError(t, rs.Reset(ctx))
	entries, err = rs.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoteSessionReleasedOnClose(t *testing.T) {
	tw := startTestWorker(t, WithPoolSize(1))
	ctx := testCtx(t)

	rs1, err := tw.client.Attach(ctx)
	require.NoError(t, err)
	exec, err := rs1.Execute(ctx, "x = 1")
	require.NoError(t, err)
	waitTerminal(t, ctx, exec)
	require.NoError(t, rs1.Close())

	// With a pool of one, the second attach only works if the first
	// session went back.
	rs2 := attach(t, ctx, tw.client)
	exec, err = rs2.Execute(ctx, "2")
	require.NoError(t, err)
	msg := waitTerminal(t, ctx, exec)
	assert.Equal(t, "2", msg.Repr)
}

func TestRemoteSessionDetachMidExecutionRecovers(t *testing.T) {
	tw := startTestWorker(t, WithPoolSize(1), WithBusyDeadline(200*time.Millisecond))
	ctx := testCtx(t)

	rs1, err := tw.client.Attach(ctx)
	require.NoError(t, err)
	exec, err := rs1.Execute(ctx, "input(\"block: \")")
	require.NoError(t, err)
	msg, err := exec.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeInputRequest, msg.Type)

	// Drop the conn with the execution still suspended. The worker must
	// stop it and put the session back into rotation.
	require.NoError(t, rs1.Close())

	rs2 := attach(t, ctx, tw.client)
	exec, err = rs2.Execute(ctx, "\"recovered\"")
	require.NoError(t, err)
	terminal := waitTerminal(t, ctx, exec)
	require.Equal(t, protocol.TypeResult, terminal.Type)
	assert.Equal(t, `"recovered"`, terminal.Repr)
}

func TestHeartbeatFailureHandlerFires(t *testing.T) {
	fired := make(chan struct{})
	var once sync.Once
	startTestWorker(t,
		WithHeartbeatTimeout(100*time.Millisecond),
		WithHeartbeatFailureHandler(func() {
			once.Do(func() { close(fired) })
		}),
	)

	select {
	case <-fired:
	case <-time.After(10 * time.Second):
		t.Fatal("heartbeat failure handler never fired")
	}
}

func readTestFrame(t *testing.T, conn net.Conn) ([]byte, bool) {
	t.Helper()
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, false
	}
	payload := make([]byte, binary.BigEndian.Uint32(header))
	_, err := io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload, true
}

func TestConnHostClosesOnMalformedFrame(t *testing.T) {
	sess, err := session.New(basic.New())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sess.Close()) })

	clientConn, serverConn := net.Pipe()
	h := newConnHost(log, serverConn, sess, protocol.DefaultMaxFrameSize)
	done := make(chan struct{})
	go func() {
		h.run(context.Background())
		close(done)
	}()

	require.NoError(t, clientConn.SetDeadline(time.Now().Add(10*time.Second)))
	fw := protocol.NewFrameWriter(clientConn, protocol.DefaultMaxFrameSize)
	require.NoError(t, fw.WriteFrame([]byte("not json")))

	// The host sends a best-effort error reply, then drops the conn.
	payload, ok := readTestFrame(t, clientConn)
	require.True(t, ok)
	msg, err := protocol.DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeControl, msg.Type)
	assert.Equal(t, protocol.ActionReply, msg.Action)
	assert.NotEmpty(t, msg.Err)

	_, ok = readTestFrame(t, clientConn)
	assert.False(t, ok)
	<-done
}

func TestConnHostDropsUnknownMessageTypes(t *testing.T) {
	sess, err := session.New(basic.New())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sess.Close()) })

	clientConn, serverConn := net.Pipe()
	h := newConnHost(log, serverConn, sess, protocol.DefaultMaxFrameSize)
	done := make(chan struct{})
	go func() {
		h.run(context.Background())
		close(done)
	}()

	require.NoError(t, clientConn.SetDeadline(time.Now().Add(10*time.Second)))
	fw := protocol.NewFrameWriter(clientConn, protocol.DefaultMaxFrameSize)
	require.NoError(t, fw.WriteFrame([]byte(`{"type":"bogus","id":"m1","ts":1}`)))

	// The conn must survive; a control round-trip still works.
	ctl := protocol.NewControl(protocol.ActionList)
	ctl.CallID = 7
	payload, err := ctl.Encode()
	require.NoError(t, err)
	require.NoError(t, fw.WriteFrame(payload))

	replyPayload, ok := readTestFrame(t, clientConn)
	require.True(t, ok)
	reply, err := protocol.DecodeMessage(replyPayload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionReply, reply.Action)
	assert.Equal(t, int64(7), reply.CallID)
	assert.Empty(t, reply.Err)

	require.NoError(t, clientConn.Close())
	<-done
}

func TestConnHostClosesOnMissingField(t *testing.T) {
	sess, err := session.New(basic.New())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sess.Close()) })

	clientConn, serverConn := net.Pipe()
	h := newConnHost(log, serverConn, sess, protocol.DefaultMaxFrameSize)
	done := make(chan struct{})
	go func() {
		h.run(context.Background())
		close(done)
	}()

	require.NoError(t, clientConn.SetDeadline(time.Now().Add(10*time.Second)))
	fw := protocol.NewFrameWriter(clientConn, protocol.DefaultMaxFrameSize)
	require.NoError(t, fw.WriteFrame([]byte(`{"type":"input_response","id":"m1","ts":1,"execution_id":"e1"}`)))

	payload, ok := readTestFrame(t, clientConn)
	require.True(t, ok)
	msg, err := protocol.DecodeMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionReply, msg.Action)
	assert.Contains(t, msg.Err, "input_id")

	_, ok = readTestFrame(t, clientConn)
	assert.False(t, ok)
	<-done
}
