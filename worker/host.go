package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/casepot/capsule-sub004/namespace"
	"github.com/casepot/capsule-sub004/protocol"
	"github.com/casepot/capsule-sub004/session"
	"github.com/casepot/capsule-sub004/streambuf"
	"go.uber.org/zap"
)

// connHost serves one leased session over one framed connection.
type connHost struct {
	log  *zap.SugaredLogger
	conn net.Conn
	sess *session.Session

	buf    *streambuf.Buffer
	frames *protocol.FrameReader
	out    *protocol.FrameWriter

	ctx    context.Context
	cancel func()

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func newConnHost(log *zap.SugaredLogger, conn net.Conn, sess *session.Session, maxFrameSize uint32) *connHost {
	buf := streambuf.New()
	return &connHost{
		log:    log,
		conn:   conn,
		sess:   sess,
		buf:    buf,
		frames: protocol.NewFrameReader(buf, maxFrameSize),
		out:    protocol.NewFrameWriter(conn, maxFrameSize),
	}
}

// run serves the connection until the client disconnects or a protocol
// violation forces a close. It returns once every execution pump has
// drained, so the caller can safely release the session afterwards.
func (h *connHost) run(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	defer h.cancel()

	h.wg.Add(1)
	go h.readConn()

	err := h.dispatchFrames()
	if err != nil && h.ctx.Err() == nil {
		h.log.Debugf("session conn failed: %s", err)
		// Best effort: tell the client why before dropping the conn.
		reply := protocol.NewControl(protocol.ActionReply)
		reply.Err = err.Error()
		if werr := writeMessage(h.out, reply); werr != nil {
			h.log.Debugf("error writing final error reply: %s", werr)
		}
	}
	h.close()
	h.cancel()
	h.wg.Wait()
}

func (h *connHost) close() {
	h.closeConnOnce.Do(func() {
		if err := h.conn.Close(); err != nil {
			h.log.Debugf("error closing conn: %s", err)
		}
	})
}

// readConn pumps conn bytes into the frame buffer until the conn errors.
func (h *connHost) readConn() {
	defer h.wg.Done()
	b := make([]byte, 32<<10)
	for {
		n, err := h.conn.Read(b)
		if n > 0 {
			h.buf.Append(b[:n])
		}
		if err != nil {
			h.buf.Close(err)
			return
		}
	}
}

func (h *connHost) dispatchFrames() error {
	for {
		payload, err := h.frames.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := h.dispatch(payload); err != nil {
			return err
		}
	}
}

// dispatch handles one inbound message. Unknown message types are dropped;
// decode and validation failures are fatal to the connection.
func (h *connHost) dispatch(payload []byte) error {
	msg, err := protocol.DecodeMessage(payload)
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		h.log.Warnw("dropping message of unknown type", "Error", err)
		return nil
	}
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.TypeInputResponse:
		if err := h.sess.SubmitInput(msg.InputID, msg.Data); err != nil {
			h.log.Warnw("dropping input response", "InputID", msg.InputID, "Error", err)
		}
		return nil
	case protocol.TypeControl:
		return h.handleControl(msg)
	default:
		h.log.Warnw("dropping unexpected message kind from client", "Type", string(msg.Type))
		return nil
	}
}

// handleControl performs one control action and writes exactly one reply
// with the matching call ID.
func (h *connHost) handleControl(msg protocol.Message) error {
	reply := protocol.NewControl(protocol.ActionReply)
	reply.CallID = msg.CallID

	switch msg.Action {
	case protocol.ActionExec:
		exec, err := h.sess.Execute(h.ctx, msg.Code, session.WithExecutionID(msg.ExecutionID))
		if err != nil {
			reply.Err = err.Error()
			break
		}
		reply.ExecutionID = exec.ID()
		h.wg.Add(1)
		go h.pumpExecution(exec)
	case protocol.ActionCancel:
		h.sess.Cancel()
	case protocol.ActionReset:
		if err := h.sess.Reset(); err != nil {
			reply.Err = err.Error()
		}
	case protocol.ActionCheckpoint:
		id, err := h.sess.Checkpoint(msg.Label)
		if err != nil {
			reply.Err = err.Error()
		} else {
			reply.CheckpointID = id
		}
	case protocol.ActionRestore:
		if err := h.sess.RestoreCheckpoint(msg.CheckpointID); err != nil {
			reply.Err = err.Error()
		}
	case protocol.ActionList:
		reply.Entries = entriesForWire(h.sess.ListEntries())
	default:
		h.log.Warnw("dropping control message with unknown action", "Action", string(msg.Action))
		return nil
	}

	return writeMessage(h.out, reply)
}

// pumpExecution streams one execution's messages to the client in order,
// ending with its terminal message.
func (h *connHost) pumpExecution(exec *session.Execution) {
	defer h.wg.Done()
	for {
		msg, err := exec.Next(h.ctx)
		if err != nil {
			if !errors.Is(err, session.ErrExecutionDone) && h.ctx.Err() == nil {
				h.log.Debugf("execution pump stopped: %s", err)
			}
			return
		}
		if err := writeMessage(h.out, msg); err != nil {
			h.log.Debugf("error writing execution message: %s", err)
			h.close()
			return
		}
		if msg.Terminal() {
			return
		}
	}
}

func writeMessage(w *protocol.FrameWriter, msg protocol.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	if err := w.WriteFrame(payload); err != nil {
		return fmt.Errorf("writing %s frame: %w", msg.Type, err)
	}
	return nil
}

func entriesForWire(entries []namespace.EntryInfo) []protocol.EntryInfo {
	out := make([]protocol.EntryInfo, len(entries))
	for i, e := range entries {
		out[i] = protocol.EntryInfo{Name: e.Name, Kind: e.Kind.String()}
	}
	return out
}
