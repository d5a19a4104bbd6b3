package integration

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alxayo/rtmpjoin/internal/rtmp/client"
	"github.com/alxayo/rtmpjoin/internal/rtmp/server"
)

// FLV tag bodies built to exercise the mixer's floor-holding rules: video
// only switches source at a seekable NAL, audio always follows whichever
// source sent the most recent Raw frame.
var (
	switchVideoSeqA = []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0xA0}
	switchVideoIDRA = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xA1}
	switchVideoIDRB = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xB1}
	switchAudioSeqA = []byte{0xAF, 0x00, 0x12, 0x10}
	switchAudioRawA = []byte{0xAF, 0x01, 0xA2}
	switchAudioRawB = []byte{0xAF, 0x01, 0xB2}
)

// syncBuffer is a locked bytes.Buffer: the server's drain goroutine writes
// the mixed stream while the test polls it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

type flvTag struct {
	tagType byte
	payload []byte
}

func parseFLVTags(t *testing.T, data []byte) []flvTag {
	t.Helper()
	if !bytes.HasPrefix(data, []byte{'F', 'L', 'V'}) {
		size := len(data)
		if size > 3 {
			size = 3
		}
		t.Fatalf("missing FLV signature: % x", data[:size])
	}
	var tags []flvTag
	pos := 13
	for pos+11 <= len(data) {
		tagType := data[pos]
		dataSize := int(data[pos+1])<<16 | int(data[pos+2])<<8 | int(data[pos+3])
		start := pos + 11
		if start+dataSize > len(data) {
			break
		}
		tags = append(tags, flvTag{tagType: tagType, payload: data[start : start+dataSize]})
		pos = start + dataSize + 4
	}
	return tags
}

func waitForIntegration(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func connectAndPublish(t *testing.T, addr, path string) *client.Client {
	t.Helper()
	c, err := client.New(fmt.Sprintf("rtmp://%s/%s", addr, path))
	if err != nil {
		t.Fatalf("new client %s: %v", path, err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("connect %s: %v", path, err)
	}
	if err := c.Publish(); err != nil {
		t.Fatalf("publish %s: %v", path, err)
	}
	return c
}

// TestTwoPublishersVideoHoldsFloorUntilIDRSwitch drives two simultaneous
// publishers through a real dispatcher and mixer: the second source's video
// must not appear until it sends a seekable NAL, at which point it takes
// over the floor; audio always reflects whichever source's Raw frame
// arrived last, regardless of which source currently holds the video floor.
func TestTwoPublishersVideoHoldsFloorUntilIDRSwitch(t *testing.T) {
	var sink syncBuffer
	s := server.New(server.Config{ListenAddr: "127.0.0.1:0", Sinks: []io.Writer{&sink}})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	addr := s.Addr().String()
	a := connectAndPublish(t, addr, "live/a")
	defer a.Close()

	// Source A claims the video and audio floors first.
	if err := a.SendVideo(0, switchVideoSeqA); err != nil {
		t.Fatalf("a seq header: %v", err)
	}
	if err := a.SendVideo(40, switchVideoIDRA); err != nil {
		t.Fatalf("a idr: %v", err)
	}
	if err := a.SendAudio(0, switchAudioSeqA); err != nil {
		t.Fatalf("a audio seq header: %v", err)
	}
	if err := a.SendAudio(20, switchAudioRawA); err != nil {
		t.Fatalf("a audio raw: %v", err)
	}
	waitForIntegration(t, func() bool { return len(parseFLVTags(t, sink.Bytes())) >= 2 })

	b := connectAndPublish(t, addr, "live/b")
	defer b.Close()

	// B's video must be dropped until it sends a seekable NAL: a
	// non-seekable inter frame first (dropped, floor held by A), then its
	// IDR (admitted, floor switches).
	nonSeekableB := []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0xB0}
	if err := b.SendVideo(60, nonSeekableB); err != nil {
		t.Fatalf("b non-seekable: %v", err)
	}
	if err := b.SendAudio(40, switchAudioRawB); err != nil {
		t.Fatalf("b audio raw: %v", err)
	}
	waitForIntegration(t, func() bool {
		tags := parseFLVTags(t, sink.Bytes())
		for _, tag := range tags {
			if tag.tagType == 8 && bytes.Equal(tag.payload, switchAudioRawB) {
				return true
			}
		}
		return false
	})

	before := parseFLVTags(t, sink.Bytes())
	for _, tag := range before {
		if tag.tagType == 9 && bytes.Equal(tag.payload, nonSeekableB) {
			t.Fatalf("non-seekable frame from a non-floor-holding source must not be admitted")
		}
	}

	if err := b.SendVideo(80, switchVideoIDRB); err != nil {
		t.Fatalf("b idr: %v", err)
	}
	waitForIntegration(t, func() bool {
		tags := parseFLVTags(t, sink.Bytes())
		for _, tag := range tags {
			if tag.tagType == 9 && bytes.Equal(tag.payload, switchVideoIDRB) {
				return true
			}
		}
		return false
	})
}
