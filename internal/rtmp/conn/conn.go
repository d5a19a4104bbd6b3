// Package conn drives a single accepted RTMP socket through its connection
// lifecycle: handshake, connect negotiation, chunk-size agreement, the
// control burst, and finally publish admission. It replaces the teacher
// repo's separate read-loop/write-loop/outboundQueue design (this file used
// to pair with control_burst.go and session.go) with a single synchronous
// state machine: this server never needs to push unsolicited writes to a
// publisher outside of the connect/publish bursts, so a second goroutine
// and an outbound queue bought nothing but complexity.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync/atomic"

	"github.com/alxayo/rtmpjoin/internal/clock"
	rerrors "github.com/alxayo/rtmpjoin/internal/errors"
	"github.com/alxayo/rtmpjoin/internal/ids"
	"github.com/alxayo/rtmpjoin/internal/logger"
	"github.com/alxayo/rtmpjoin/internal/rtmp/amf"
	"github.com/alxayo/rtmpjoin/internal/rtmp/chunk"
	"github.com/alxayo/rtmpjoin/internal/rtmp/control"
	"github.com/alxayo/rtmpjoin/internal/rtmp/handshake"
	"github.com/alxayo/rtmpjoin/internal/rtmp/rpc"
)

// State is a phase of the connection FSM.
type State int

const (
	StateHandshake State = iota
	StateConnecting
	StateChunkSizeWait
	StateReady
	StatePublishing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateConnecting:
		return "connecting"
	case StateChunkSizeWait:
		return "chunk_size_wait"
	case StateReady:
		return "ready"
	case StatePublishing:
		return "publishing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultWindowAckSize      = 2_500_000
	defaultPeerBandwidthLimit = 2 // "Dynamic" per the Set Peer Bandwidth limit-type enumeration
	amf0CommandTypeID         = 20
	amf0DataTypeID            = 18
	audioMessageTypeID        = 8
	videoMessageTypeID        = 9
)

// MediaHandler receives an audio/video payload admitted on a publishing
// connection. typeID distinguishes audio (8) from video (9). data is
// borrowed for the duration of the call; handlers that retain it must copy.
type MediaHandler func(typeID uint8, data []byte, ts int32)

// Callbacks bundles the connection's interaction points with the rest of
// the server so conn itself stays ignorant of dispatcher/mixer wiring.
type Callbacks struct {
	OnMedia        MediaHandler
	OnPublishStart func(streamKey string)
	OnPublishStop  func(streamKey string)
	StreamKeyAllow func(streamKey string) bool // nil means allow everything
}

// Conn drives one accepted RTMP socket end to end.
type Conn struct {
	id       string
	raw      net.Conn
	log      *slog.Logger
	cb       Callbacks
	ackAfter uint32
	clk      *clock.Clock

	state  State
	reader *chunk.Reader
	writer *chunk.Writer
	cr     *countingReader

	connectTxnID float64
	app          string
	streamID     uint32
	streamKey    string

	disp      *rpc.Dispatcher
	streamIDs *rpc.StreamIDAllocator

	// Mutable control-message state, wired into a control.Context so the
	// shared handler can update it in place.
	ctrl          *control.Context
	readChunkSize uint32
	windowAckSize uint32
	peerBandwidth uint32
	limitType     uint8
	lastPeerAck   uint32

	bytesAtLastAck uint32
	closed         atomic.Bool
}

// countingReader tracks total bytes read off the wire so the acknowledgement
// bookkeeping can be implemented without threading a counter through
// chunk.Reader itself.
type countingReader struct {
	r     net.Conn
	total uint32
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.total += uint32(n)
	return n, err
}

// Accept performs the handshake on a freshly-accepted socket and returns a
// Conn positioned at StateConnecting. ackAfterBytes configures the
// acknowledgement cadence (0 selects the 1,048,576-byte default).
func Accept(raw net.Conn, ackAfterBytes uint32, cb Callbacks) (*Conn, error) {
	if ackAfterBytes == 0 {
		ackAfterBytes = 1_048_576
	}
	if err := handshake.ServerHandshake(raw); err != nil {
		_ = raw.Close()
		return nil, err
	}
	cr := &countingReader{r: raw}
	c := &Conn{
		id:            ids.NewConnectionID(),
		raw:           raw,
		cb:            cb,
		ackAfter:      ackAfterBytes,
		clk:           clock.New(),
		state:         StateConnecting,
		reader:        chunk.NewReader(cr, 128),
		writer:        chunk.NewWriter(raw, 128),
		cr:            cr,
		streamIDs:     rpc.NewStreamIDAllocator(),
		readChunkSize: 128,
	}
	c.log = logger.WithConn(logger.Logger(), c.id, raw.RemoteAddr().String())
	c.ctrl = &control.Context{
		ReadChunkSize: &c.readChunkSize,
		WindowAckSize: &c.windowAckSize,
		PeerBandwidth: &c.peerBandwidth,
		LimitType:     &c.limitType,
		LastPeerAck:   &c.lastPeerAck,
		Log:           c.log,
		Send:          c.writer.WriteMessage,
	}
	c.disp = rpc.NewDispatcher(func() string { return c.app })
	c.disp.OnConnect = func(*rpc.ConnectCommand, *chunk.Message) error {
		c.log.Debug("duplicate connect ignored")
		return nil
	}
	c.disp.OnCreateStream = func(cmd *rpc.CreateStreamCommand, _ *chunk.Message) error {
		return c.sendCreateStreamResult(cmd.TransactionID)
	}
	c.disp.OnPublish = func(cmd *rpc.PublishCommand, _ *chunk.Message) error {
		return c.startPublish(cmd)
	}
	c.disp.OnPlay = func(cmd *rpc.PlayCommand, _ *chunk.Message) error {
		c.log.Warn("play requested on an ingest-only server, ignoring", "stream_key", cmd.StreamKey)
		return nil
	}
	c.disp.OnDeleteStream = func([]interface{}, *chunk.Message) error {
		c.log.Debug("deleteStream before publish ignored")
		return nil
	}
	return c, nil
}

// ID returns the connection's correlation id.
func (c *Conn) ID() string { return c.id }

// Serve drives the FSM until the peer disconnects, the context is
// cancelled, or a protocol error occurs. It always closes the underlying
// socket before returning.
func (c *Conn) Serve(ctx context.Context) error {
	defer func() {
		c.state = StateClosed
		c.close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.notifyPublishStop()
			if errors.Is(err, io.EOF) {
				c.log.Info("peer disconnected")
				return nil
			}
			return rerrors.NewIo("conn.read_message", err)
		}

		if err := c.handleMessage(msg); err != nil {
			c.notifyPublishStop()
			return err
		}
		if err := c.maybeAck(); err != nil {
			return err
		}
	}
}

func (c *Conn) notifyPublishStop() {
	if c.state == StatePublishing && c.streamKey != "" && c.cb.OnPublishStop != nil {
		c.cb.OnPublishStop(c.streamKey)
	}
}

func (c *Conn) handleMessage(msg *chunk.Message) error {
	switch c.state {
	case StateConnecting:
		return c.handleConnecting(msg)
	case StateChunkSizeWait:
		return c.handleChunkSizeWait(msg)
	case StateReady:
		return c.handleReady(msg)
	case StatePublishing:
		return c.handlePublishing(msg)
	default:
		return rerrors.NewProtocolViolation("conn.handle_message", fmt.Errorf("message received in state %s", c.state))
	}
}

// handleConnecting scans forward through whatever the client says until it
// asks to connect; everything before that is logged and skipped.
func (c *Conn) handleConnecting(msg *chunk.Message) error {
	if msg.TypeID != amf0CommandTypeID {
		c.log.Debug("skipping pre-connect message", "type_id", msg.TypeID)
		return nil
	}
	vals, err := amf.DecodeAll(msg.Payload)
	if err != nil {
		return rerrors.NewProtocolViolation("conn.connecting.decode", err)
	}
	if len(vals) == 0 {
		return rerrors.NewProtocolViolation("conn.connecting", fmt.Errorf("empty AMF payload"))
	}
	if name, _ := vals[0].(string); name != "connect" {
		c.log.Debug("skipping pre-connect command", "name", name)
		return nil
	}
	cmd, err := rpc.ParseConnectCommand(msg)
	if err != nil {
		return err
	}
	c.connectTxnID = cmd.TransactionID
	c.app = cmd.App
	c.log.Info("connect received", "app", c.app, "tc_url", cmd.TcURL)
	if err := c.writer.WriteMessage(control.EncodeSetChunkSize(128)); err != nil {
		return rerrors.NewIo("conn.set_chunk_size", err)
	}
	c.writer.SetChunkSize(128)
	c.state = StateChunkSizeWait
	return nil
}

func (c *Conn) handleChunkSizeWait(msg *chunk.Message) error {
	if msg.TypeID != control.TypeSetChunkSize {
		return rerrors.NewProtocolViolation("conn.chunk_size_wait", fmt.Errorf("expected SetChunkSize as first post-connect message, got type %d", msg.TypeID))
	}
	if len(msg.Payload) < 4 {
		return rerrors.NewInvalidData("conn.chunk_size_wait", fmt.Errorf("short SetChunkSize payload"))
	}
	size := uint32(msg.Payload[0])<<24 | uint32(msg.Payload[1])<<16 | uint32(msg.Payload[2])<<8 | uint32(msg.Payload[3])
	c.readChunkSize = size
	c.reader.SetChunkSize(size)
	c.log.Info("peer chunk size negotiated", "chunk_size", size)
	return c.enterReady()
}

// enterReady sends the fixed post-connect burst: WindowAcknowledgement,
// SetPeerBandwidth, StreamBegin, the deferred _result for connect, then
// onBWDone.
func (c *Conn) enterReady() error {
	burst := []*chunk.Message{
		control.EncodeWindowAcknowledgementSize(defaultWindowAckSize),
		control.EncodeSetPeerBandwidth(defaultWindowAckSize, defaultPeerBandwidthLimit),
		control.EncodeUserControlStreamBegin(0),
	}
	for _, m := range burst {
		if err := c.writer.WriteMessage(m); err != nil {
			return rerrors.NewIo("conn.ready_burst", err)
		}
	}
	if err := c.sendConnectResult(); err != nil {
		return err
	}
	if err := c.sendOnBWDone(); err != nil {
		return err
	}
	c.state = StateReady
	c.log.Info("connection ready")
	return nil
}

func (c *Conn) sendConnectResult() error {
	msg, err := rpc.BuildConnectResponse(c.connectTxnID, "Connection succeeded.")
	if err != nil {
		return err
	}
	msg.CSID = 3
	msg.Timestamp = uint32(c.clk.NowMs())
	return c.writer.WriteMessage(msg)
}

func (c *Conn) sendCreateStreamResult(txnID float64) error {
	msg, id, err := rpc.BuildCreateStreamResponse(txnID, c.streamIDs)
	if err != nil {
		return err
	}
	c.streamID = id
	msg.CSID = 3
	msg.Timestamp = uint32(c.clk.NowMs())
	return c.writer.WriteMessage(msg)
}

func (c *Conn) sendOnBWDone() error {
	payload, err := amf.EncodeAll("onBWDone", float64(0), nil, float64(8192))
	if err != nil {
		return rerrors.NewProtocolViolation("conn.on_bw_done.encode", err)
	}
	return c.writer.WriteMessage(&chunk.Message{CSID: 3, TypeID: amf0CommandTypeID, MessageStreamID: 0, Timestamp: uint32(c.clk.NowMs()), Payload: payload})
}

func (c *Conn) handleReady(msg *chunk.Message) error {
	if msg.TypeID >= control.TypeSetChunkSize && msg.TypeID <= control.TypeSetPeerBandwidth {
		return c.handleControl(msg)
	}
	if msg.TypeID != amf0CommandTypeID {
		c.log.Debug("ignoring non-command message in ready state", "type_id", msg.TypeID)
		return nil
	}
	vals, err := amf.DecodeAll(msg.Payload)
	if err != nil {
		return rerrors.NewProtocolViolation("conn.ready.decode", err)
	}
	if len(vals) == 0 {
		return rerrors.NewProtocolViolation("conn.ready", fmt.Errorf("empty AMF payload"))
	}
	name, _ := vals[0].(string)

	switch name {
	case "FCPublish":
		return c.sendOnFCPublish()
	case "releaseStream", "_checkbw":
		txnID, _ := vals[1].(float64)
		return c.sendSimpleResult(txnID, nil)
	case "connect", "createStream", "publish", "play", "deleteStream":
		return c.disp.Dispatch(msg)
	case "_error", "_result", "onStatus", "onBWDone":
		c.log.Debug("ignoring expected command", "name", name)
		return nil
	default:
		c.log.Warn("ignoring unknown command", "name", name)
		return nil
	}
}

// handleControl routes protocol control messages (types 1-6) through the
// shared control handler, then mirrors any chunk-size change into the reader.
func (c *Conn) handleControl(msg *chunk.Message) error {
	if err := control.Handle(c.ctrl, msg); err != nil {
		return rerrors.NewInvalidData("conn.control", err)
	}
	c.reader.SetChunkSize(c.readChunkSize)
	return nil
}

func (c *Conn) sendSimpleResult(txnID float64, payload4 interface{}) error {
	values := []interface{}{"_result", txnID, nil}
	if payload4 != nil {
		values = append(values, payload4)
	}
	out, err := amf.EncodeAll(values...)
	if err != nil {
		return rerrors.NewProtocolViolation("conn.simple_result.encode", err)
	}
	return c.writer.WriteMessage(&chunk.Message{CSID: 3, TypeID: amf0CommandTypeID, MessageStreamID: 0, Timestamp: uint32(c.clk.NowMs()), Payload: out})
}

func (c *Conn) startPublish(cmd *rpc.PublishCommand) error {
	if c.cb.StreamKeyAllow != nil && !c.cb.StreamKeyAllow(cmd.StreamKey) {
		return c.sendPublishStatus(cmd.StreamKey, "NetStream.Publish.BadName", fmt.Sprintf("Stream key %s rejected.", cmd.StreamKey))
	}
	c.streamKey = cmd.StreamKey
	c.state = StatePublishing
	c.log.Info("publish started", "stream_key", c.streamKey)
	if c.cb.OnPublishStart != nil {
		c.cb.OnPublishStart(c.streamKey)
	}
	return c.sendPublishStatus(cmd.StreamKey, "NetStream.Publish.Start", fmt.Sprintf("Publishing %s.", cmd.StreamKey))
}

func (c *Conn) sendOnFCPublish() error {
	payload, err := amf.EncodeAll("onFCPublish", float64(0), nil)
	if err != nil {
		return rerrors.NewProtocolViolation("conn.on_fc_publish.encode", err)
	}
	return c.writer.WriteMessage(&chunk.Message{CSID: 3, TypeID: amf0CommandTypeID, MessageStreamID: c.streamID, Timestamp: uint32(c.clk.NowMs()), Payload: payload})
}

func (c *Conn) sendPublishStatus(streamKey, code, description string) error {
	info := map[string]interface{}{
		"level":       "status",
		"code":        code,
		"description": description,
		"details":     streamKey,
	}
	payload, err := amf.EncodeAll("onStatus", float64(0), nil, info)
	if err != nil {
		return rerrors.NewProtocolViolation("conn.publish_status.encode", err)
	}
	return c.writer.WriteMessage(&chunk.Message{CSID: 5, TypeID: amf0CommandTypeID, MessageStreamID: c.streamID, Timestamp: uint32(c.clk.NowMs()), Payload: payload})
}

func (c *Conn) handlePublishing(msg *chunk.Message) error {
	switch msg.TypeID {
	case control.TypeSetChunkSize, control.TypeAbortMessage, control.TypeAcknowledgement,
		control.TypeUserControl, control.TypeWindowAcknowledgement, control.TypeSetPeerBandwidth:
		return c.handleControl(msg)
	case audioMessageTypeID, videoMessageTypeID:
		if msg.Timestamp > math.MaxInt32 {
			return rerrors.NewOverflow("conn.publishing.timestamp", fmt.Errorf("inbound timestamp %d exceeds int32", msg.Timestamp))
		}
		if c.cb.OnMedia != nil {
			c.cb.OnMedia(msg.TypeID, msg.Payload, int32(msg.Timestamp))
		}
		return nil
	case amf0CommandTypeID:
		vals, err := amf.DecodeAll(msg.Payload)
		if err == nil && len(vals) > 0 {
			if name, _ := vals[0].(string); name == "deleteStream" || name == "closeStream" {
				return rerrors.NewIo("conn.publishing", fmt.Errorf("peer closed stream"))
			}
		}
		c.log.Debug("ignoring command during publishing")
		return nil
	case amf0DataTypeID:
		vals, err := amf.DecodeAll(msg.Payload)
		if err == nil && len(vals) >= 2 {
			first, _ := vals[0].(string)
			second, _ := vals[1].(string)
			if first == "@setDataFrame" && second == "onMetaData" {
				c.log.Info("metadata received", "stream_key", c.streamKey)
				return nil
			}
		}
		c.log.Warn("unrecognized data message")
		return nil
	default:
		c.log.Debug("ignoring unsupported message type while publishing", "type_id", msg.TypeID)
		return nil
	}
}

// maybeAck sends a protocol Acknowledgement once the running byte count
// since the last one has crossed ackAfter. The ackAfter default and the
// sequence-number-is-the-delta behavior are inherited as found; it is not
// clear this matches what ffmpeg actually expects from the window, but it
// keeps ffmpeg publishing happily.
func (c *Conn) maybeAck() error {
	delta := c.cr.total - c.bytesAtLastAck
	if delta < c.ackAfter {
		return nil
	}
	c.bytesAtLastAck = c.cr.total
	return c.writer.WriteMessage(control.EncodeAcknowledgement(delta))
}

// close is safe to call from any goroutine; connection state stays owned
// by the Serve goroutine.
func (c *Conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.raw.Close()
	}
}

// Close tears down the underlying socket from outside the Serve loop,
// causing an in-flight Serve to return. Safe to call more than once.
func (c *Conn) Close() { c.close() }
