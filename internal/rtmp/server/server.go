// Package server implements the dispatcher: it binds the TCP listener,
// admits publishers through internal/rtmp/conn, and owns the single media
// channel + drain goroutine that feeds every admitted source into the
// mixer and on to the configured sinks. This is the "E" component of the
// design — connection bookkeeping lives here precisely so the dispatcher
// never needs a second map of "who is currently a source" separate from
// the one tracking live sockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alxayo/rtmpjoin/internal/blobsidecar"
	"github.com/alxayo/rtmpjoin/internal/bufpool"
	rerrors "github.com/alxayo/rtmpjoin/internal/errors"
	"github.com/alxayo/rtmpjoin/internal/flv"
	"github.com/alxayo/rtmpjoin/internal/hooks"
	"github.com/alxayo/rtmpjoin/internal/logger"
	"github.com/alxayo/rtmpjoin/internal/metrics"
	"github.com/alxayo/rtmpjoin/internal/mixer"
	iconn "github.com/alxayo/rtmpjoin/internal/rtmp/conn"
	"github.com/alxayo/rtmpjoin/internal/sink"
)

// Config holds the dispatcher's runtime knobs. Zero values are filled in by
// applyDefaults so tests can construct a bare Config{ListenAddr: ...}.
type Config struct {
	ListenAddr           string
	ConnectionCap        int
	MediaChannelCapacity int
	AckAfterBytes        uint32
	LogLevel             string

	RecordDir     string // optional: also write the mixed output to a rotating local FLV file
	MetricsAddr   string // optional: Prometheus scrape endpoint
	WebSocketAddr string // optional: broadcast the mixed output over WebSocket

	RateLimitPerSecond float64
	RateLimitBurst     int

	BlobSidecar blobsidecar.Config // optional; WatchDir == "" disables it

	// Hook configuration (all optional).
	HookScripts     []string // event_type=script_path pairs
	HookWebhooks    []string // event_type=webhook_url pairs
	HookScriptDir   string   // directory of *.sh scripts watched for publish_start/stop/rejected
	HookTimeout     time.Duration
	HookConcurrency int

	// Sinks is the set of io.Writers the mixed FLV stream is written to;
	// stdout is used only when it is empty. Tests inject a bytes.Buffer
	// here instead of writing to the real process stdout.
	Sinks []io.Writer
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:1935"
	}
	if c.ConnectionCap == 0 {
		c.ConnectionCap = 10
	}
	if c.MediaChannelCapacity == 0 {
		c.MediaChannelCapacity = 100
	}
	if c.AckAfterBytes == 0 {
		c.AckAfterBytes = 1_048_576
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimitPerSecond == 0 {
		c.RateLimitPerSecond = 50
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 20
	}
	if c.HookTimeout == 0 {
		c.HookTimeout = 30 * time.Second
	}
	if c.HookConcurrency == 0 {
		c.HookConcurrency = 10
	}
}

// mediaItem is one admitted audio/video payload in flight from a
// per-connection goroutine to the drain goroutine. data is owned by the
// item (cloned out of bufpool) until the drain goroutine releases it.
type mediaItem struct {
	source mixer.SourceID
	typeID uint8 // 8 = audio, 9 = video
	data   []byte
	ts     int32
}

// Server is the dispatcher: listener + connection bookkeeping + the single
// mixer/sink pipeline every admitted source feeds into.
type Server struct {
	cfg Config
	log *slog.Logger

	mx   *mixer.Mixer
	sink *sink.MultiSink
	met  *metrics.Registry

	mediaCh chan mediaItem
	limiter *rate.Limiter

	hookManager  *hooks.Manager
	hookWatchers []context.CancelFunc
	sidecar      *blobsidecar.Sidecar
	sidecarStop  context.CancelFunc
	wsStop       context.CancelFunc

	mu         sync.Mutex
	l          net.Listener
	conns      map[mixer.SourceID]*iconn.Conn
	everServed bool
	closing    bool
	drainWg    sync.WaitGroup
	acceptWg   sync.WaitGroup
	recordF    *rotatingFile
	metricsSv  *metricsServer

	done     chan struct{}
	doneOnce sync.Once
}

type metricsServer struct {
	cancel context.CancelFunc
}

// New builds an unstarted Server.
func New(cfg Config) *Server {
	cfg.applyDefaults()

	log := logger.Logger().With("component", "dispatcher")

	met := metrics.New()

	sinks := append([]io.Writer{}, cfg.Sinks...)
	if len(sinks) == 0 {
		sinks = append(sinks, defaultStdout())
	}
	var recordF *rotatingFile
	if cfg.RecordDir != "" {
		if f, err := newRotatingRecordFile(cfg.RecordDir); err != nil {
			log.Error("failed to open record file, recording disabled", "error", err)
		} else {
			sinks = append(sinks, f)
			recordF = f
		}
	}
	ms := sink.New(log, sinks...)

	var hookMgr *hooks.Manager
	if len(cfg.HookScripts) > 0 || len(cfg.HookWebhooks) > 0 || cfg.HookScriptDir != "" {
		hookMgr = buildHookManager(cfg, log)
	}

	var car *blobsidecar.Sidecar
	if cfg.BlobSidecar.WatchDir != "" {
		c, err := blobsidecar.New(cfg.BlobSidecar, log)
		if err != nil {
			log.Error("blob sidecar disabled", "error", err)
		} else {
			car = c
		}
	}

	return &Server{
		cfg:     cfg,
		log:     log,
		mx:      mixer.New(met),
		sink:    ms,
		met:     met,
		mediaCh: make(chan mediaItem, cfg.MediaChannelCapacity),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		conns:   make(map[mixer.SourceID]*iconn.Conn),

		hookManager: hookMgr,
		sidecar:     car,
		recordF:     recordF,
		done:        make(chan struct{}),
	}
}

// Done is closed once every publisher that ever connected has gone away,
// the signal main uses for a clean zero-exit shutdown.
func (s *Server) Done() <-chan struct{} { return s.done }

// Start binds the listener, writes the FLV header once, and launches the
// accept loop and the drain goroutine.
func (s *Server) Start() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.l = ln
	s.mu.Unlock()

	if err := flv.WriteFLVHeader(s.sink); err != nil {
		s.log.Error("failed to write FLV header to sink", "error", err)
	}

	if s.cfg.MetricsAddr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s.metricsSv = &metricsServer{cancel: cancel}
		go serveMetrics(ctx, s.cfg.MetricsAddr, s.met, s.log)
	}

	if s.sidecar != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.sidecarStop = cancel
		go func() {
			if err := s.sidecar.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("blob sidecar stopped", "error", err)
			}
		}()
	}

	if s.hookManager != nil && s.cfg.HookScriptDir != "" {
		for _, et := range []hooks.EventType{hooks.EventPublishStart, hooks.EventPublishStop, hooks.EventConnectionRejected} {
			ctx, cancel := context.WithCancel(context.Background())
			s.hookWatchers = append(s.hookWatchers, cancel)
			et := et
			go func() {
				if err := hooks.WatchScriptDir(ctx, s.cfg.HookScriptDir, et, s.hookManager, s.log); err != nil {
					s.log.Error("hook script dir watch stopped", "event_type", et, "error", err)
				}
			}()
		}
	}

	if s.cfg.WebSocketAddr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s.wsStop = cancel
		broadcaster := sink.NewWebSocketBroadcaster(s.sink, s.log)
		go func() {
			if err := sink.Serve(ctx, s.cfg.WebSocketAddr, broadcaster); err != nil && ctx.Err() == nil {
				s.log.Error("websocket sink server stopped", "error", err)
			}
		}()
	}

	s.drainWg.Add(1)
	go s.drainLoop()

	s.log.Info("rtmp server listening", "addr", ln.Addr().String())
	s.acceptWg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.acceptWg.Done()
	for {
		s.mu.Lock()
		l := s.l
		s.mu.Unlock()
		if l == nil {
			return
		}
		raw, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		if !s.limiter.Allow() {
			s.log.Warn("connection throttled", "remote", raw.RemoteAddr().String())
			s.met.ObserveRejection("rate_limited")
			s.triggerHook(hooks.EventConnectionRejected, "", "", map[string]string{"reason": "rate_limited"})
			_ = raw.Close()
			continue
		}

		s.mu.Lock()
		atCap := len(s.conns) >= s.cfg.ConnectionCap
		s.mu.Unlock()
		if atCap {
			s.log.Warn("connection cap exceeded, closing", "remote", raw.RemoteAddr().String(), "cap", s.cfg.ConnectionCap)
			s.met.ObserveRejection("cap_exceeded")
			s.triggerHook(hooks.EventConnectionRejected, "", "", map[string]string{
				"reason": rerrors.NewCapExceeded("dispatcher.accept", nil).Error(),
			})
			_ = raw.Close()
			continue
		}

		source := s.mx.NewSource()
		s.acceptWg.Add(1)
		go s.serveConnection(raw, source)
	}
}

// serveConnection drives one publisher end to end: handshake through conn.Accept,
// then conn.Serve until the peer disconnects or a protocol error terminates it.
func (s *Server) serveConnection(raw net.Conn, source mixer.SourceID) {
	defer s.acceptWg.Done()

	cb := iconn.Callbacks{
		OnMedia: func(typeID uint8, data []byte, ts int32) {
			owned := bufpool.Get(len(data))
			copy(owned, data)
			s.mediaCh <- mediaItem{source: source, typeID: typeID, data: owned, ts: ts}
		},
		OnPublishStart: func(streamKey string) {
			s.triggerHook(hooks.EventPublishStart, "", streamKey, nil)
		},
		OnPublishStop: func(streamKey string) {
			s.triggerHook(hooks.EventPublishStop, "", streamKey, nil)
		},
	}

	c, err := iconn.Accept(raw, s.cfg.AckAfterBytes, cb)
	if err != nil {
		s.log.Warn("handshake failed", "remote", raw.RemoteAddr().String(), "error", err)
		s.mx.RemoveSource(source)
		return
	}

	s.mu.Lock()
	s.conns[source] = c
	s.everServed = true
	s.met.SetConnectionCount(len(s.conns))
	s.mu.Unlock()

	err = c.Serve(context.Background())
	s.log.Info("connection closed", "conn_id", c.ID(), "error", err)

	s.mu.Lock()
	delete(s.conns, source)
	s.met.SetConnectionCount(len(s.conns))
	lastOut := s.everServed && len(s.conns) == 0
	s.mu.Unlock()
	s.mx.RemoveSource(source)
	if lastOut {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

// drainLoop is the mixer's single owner: it receives admitted media items in
// arrival order and feeds them into the mixer, which writes at most one tag
// per item to every attached sink.
func (s *Server) drainLoop() {
	defer s.drainWg.Done()
	for item := range s.mediaCh {
		var err error
		switch item.typeID {
		case 8:
			err = s.mx.SourceAudio(s.sink, item.source, item.data, item.ts)
		case 9:
			err = s.mx.SourceVideo(s.sink, item.source, item.data, item.ts)
		}
		if err != nil {
			s.log.Warn("mixer rejected media item", "source", item.source, "type_id", item.typeID, "error", err)
		}
		bufpool.Put(item.data)
	}
}

// Stop closes the listener, waits for every connection goroutine to exit,
// drains and closes the media channel, and tears down ancillary services.
func (s *Server) Stop() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	l := s.l
	s.l = nil
	conns := make([]*iconn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	_ = l.Close()
	for _, c := range conns {
		c.Close()
	}
	s.acceptWg.Wait()

	close(s.mediaCh)
	s.drainWg.Wait()

	if s.metricsSv != nil {
		s.metricsSv.cancel()
	}
	if s.sidecarStop != nil {
		s.sidecarStop()
	}
	if s.wsStop != nil {
		s.wsStop()
	}
	for _, cancel := range s.hookWatchers {
		cancel()
	}
	if s.hookManager != nil {
		s.hookManager.Close()
	}
	if s.recordF != nil {
		_ = s.recordF.Close()
	}
	s.doneOnce.Do(func() { close(s.done) })
	s.log.Info("rtmp server stopped")
	return nil
}

// Addr returns the bound listener address (nil if not started).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// ConnectionCount returns the current number of tracked active connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// AttachSink adds another writer (e.g. a freshly-accepted WebSocket client)
// to the fan-out set without disturbing in-flight writes.
func (s *Server) AttachSink(w io.Writer) { s.sink.Attach(w) }

func (s *Server) triggerHook(eventType hooks.EventType, connID, streamKey string, data map[string]string) {
	if s.hookManager == nil {
		return
	}
	event := hooks.NewEvent(eventType, time.Now().UnixMilli())
	event.ConnID = connID
	event.StreamKey = streamKey
	for k, v := range data {
		event.Data[k] = v
	}
	s.hookManager.Trigger(context.Background(), event, func(hookID string, err error) {
		s.log.Warn("hook execution failed", "hook", hookID, "event", eventType, "error", err)
	})
}

func buildHookManager(cfg Config, log *slog.Logger) *hooks.Manager {
	hm := hooks.NewManager(hooks.Config{
		Timeout:     cfg.HookTimeout,
		Concurrency: cfg.HookConcurrency,
	})

	for _, script := range cfg.HookScripts {
		eventType, path, ok := splitAssignment(script)
		if !ok {
			log.Error("invalid hook-script assignment", "value", script)
			continue
		}
		hm.Register(hooks.EventType(eventType), hooks.NewShellHook("shell_"+eventType, path))
	}
	for _, wh := range cfg.HookWebhooks {
		eventType, url, ok := splitAssignment(wh)
		if !ok {
			log.Error("invalid hook-webhook assignment", "value", wh)
			continue
		}
		hm.Register(hooks.EventType(eventType), hooks.NewWebhookHook("webhook_"+eventType, url, cfg.HookTimeout))
	}
	return hm
}

func splitAssignment(s string) (key, value string, ok bool) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func serveMetrics(ctx context.Context, addr string, reg *metrics.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server stopped", "error", err)
	}
}
