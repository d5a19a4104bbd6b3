// Package mixer implements the FIFO multi-source arbitration engine: given
// audio/video packets arriving from any number of RTMP publishers, it
// decides which source currently "holds the floor" for each track, rewrites
// timestamps onto a single monotonic output timeline, and emits FLV tags.
//
// Grounded on the join_stream reference's mixer.rs: video only switches at
// a seekable NAL (GOP boundary), audio always follows the most recently
// arrived Raw frame, and the delta against the track's last admitted
// timestamp is what advances the shared output clock — not wall time, and
// not disturbed by frames the switch table drops.
package mixer

import (
	"io"
	"sync"

	rerrors "github.com/alxayo/rtmpjoin/internal/errors"
	"github.com/alxayo/rtmpjoin/internal/flv"
)

// SourceID identifies one publishing connection from the mixer's point of
// view. Distinct from any connection-level correlation identifier.
type SourceID uint64

// Observer receives admit/drop notifications for metrics instrumentation.
// Implementations must not block; Mixer calls these synchronously while
// holding no lock it needs back.
type Observer interface {
	ObserveAdmit(track string, source SourceID, outputTs int32)
	ObserveDrop(track string, source SourceID)
}

type nullObserver struct{}

func (nullObserver) ObserveAdmit(string, SourceID, int32) {}
func (nullObserver) ObserveDrop(string, SourceID)         {}

// sourceState tracks per-source, per-track bookkeeping: the last inbound
// timestamp this source handed the mixer on each track, per §3 of the
// design, kept for idle/debug observation even though it is not what drives
// the output timeline (see floorState below).
type sourceState struct {
	audioTs int32
	videoTs int32
}

// floorState is the dt baseline for one track (audio or video): the last
// timestamp *admitted* onto the output timeline, from whichever source was
// current at the time. A source switch does not reset this baseline —
// that's what keeps output_<track>_ts from jumping on every switch — and a
// dropped mid-GOP frame never touches it, which is what lets a later
// switch-in NAL compute its dt against the floor's own last admission
// rather than the dropped frame's timestamp. Zero-initialized, so the very
// first admitted packet advances the output by its own inbound timestamp.
type floorState struct {
	ts int32
}

// Mixer holds all mutable arbitration state. Every method takes mu, so
// calls from several goroutines are serialized; the dispatcher (see
// internal/rtmp/server) drives it from a single drain goroutine.
type Mixer struct {
	mu sync.Mutex

	nextSource SourceID
	sources    map[SourceID]*sourceState

	currentVideoSource *SourceID
	currentAudioSource *SourceID
	videoFloor         floorState
	audioFloor         floorState
	outputAudioTs      int32
	outputVideoTs      int32

	obs Observer
}

// New creates an empty mixer. obs may be nil to disable instrumentation.
func New(obs Observer) *Mixer {
	if obs == nil {
		obs = nullObserver{}
	}
	return &Mixer{
		sources: make(map[SourceID]*sourceState),
		obs:     obs,
	}
}

// NewSource allocates a fresh source identifier with zero-initialized
// per-track timestamps.
func (m *Mixer) NewSource() SourceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSource++
	id := m.nextSource
	m.sources[id] = &sourceState{}
	return id
}

// RemoveSource drops bookkeeping for a source that disconnected. If that
// source currently held a track's floor, the floor is released so the next
// admissible packet (a sequence header, or a seekable NAL for video) from
// any source can take over.
func (m *Mixer) RemoveSource(id SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, id)
	if m.currentVideoSource != nil && *m.currentVideoSource == id {
		m.currentVideoSource = nil
	}
	if m.currentAudioSource != nil && *m.currentAudioSource == id {
		m.currentAudioSource = nil
	}
}

// SourceVideo feeds one video payload from source into the mixer, writing
// an output FLV tag to out if admitted.
func (m *Mixer) SourceVideo(out io.Writer, source SourceID, data []byte, ts int32) error {
	hdr, err := flv.ReadVideoHeader(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	st, ok := m.sources[source]
	if !ok {
		st = &sourceState{}
		m.sources[source] = st
	}
	st.videoTs = ts

	admit := false
	switch hdr.Kind {
	case flv.VideoSequenceHeader:
		admit = m.currentVideoSource == nil
	case flv.VideoNalu:
		if hdr.Seekable {
			admit = true
		} else {
			admit = m.currentVideoSource != nil && *m.currentVideoSource == source
		}
	}

	if !admit {
		m.mu.Unlock()
		m.obs.ObserveDrop("video", source)
		return nil
	}

	dt := ts - m.videoFloor.ts
	m.videoFloor = floorState{ts: ts}

	src := source
	m.currentVideoSource = &src
	m.outputVideoTs += dt
	outTs := m.outputVideoTs
	m.mu.Unlock()

	m.obs.ObserveAdmit("video", source, outTs)
	if out == nil {
		return nil
	}
	if err := flv.WriteFullTag(out, flv.TagVideo, outTs, data); err != nil {
		return rerrors.NewIo("mixer.write_video", err)
	}
	return nil
}

// SourceAudio feeds one audio payload from source into the mixer, writing
// an output FLV tag to out if admitted.
func (m *Mixer) SourceAudio(out io.Writer, source SourceID, data []byte, ts int32) error {
	hdr, err := flv.ReadAudioHeader(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	st, ok := m.sources[source]
	if !ok {
		st = &sourceState{}
		m.sources[source] = st
	}
	st.audioTs = ts

	admit := false
	switch hdr.Kind {
	case flv.AudioSequenceHeader:
		admit = m.currentAudioSource == nil
	case flv.AudioRaw:
		admit = true
	}

	if !admit {
		m.mu.Unlock()
		m.obs.ObserveDrop("audio", source)
		return nil
	}

	dt := ts - m.audioFloor.ts
	m.audioFloor = floorState{ts: ts}

	src := source
	m.currentAudioSource = &src
	m.outputAudioTs += dt
	outTs := m.outputAudioTs
	m.mu.Unlock()

	m.obs.ObserveAdmit("audio", source, outTs)
	if out == nil {
		return nil
	}
	if err := flv.WriteFullTag(out, flv.TagAudio, outTs, data); err != nil {
		return rerrors.NewIo("mixer.write_audio", err)
	}
	return nil
}

// CurrentVideoSource returns the source currently holding the video floor
// and whether one is set.
func (m *Mixer) CurrentVideoSource() (SourceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentVideoSource == nil {
		return 0, false
	}
	return *m.currentVideoSource, true
}

// CurrentAudioSource returns the source currently holding the audio floor
// and whether one is set.
func (m *Mixer) CurrentAudioSource() (SourceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentAudioSource == nil {
		return 0, false
	}
	return *m.currentAudioSource, true
}

// OutputTimestamps returns the current output audio/video timeline
// position, mainly for metrics and tests.
func (m *Mixer) OutputTimestamps() (audio, video int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputAudioTs, m.outputVideoTs
}
