// Package show generates a synthetic FLV stream for exercising the mixer
// and dispatcher without a live RTMP publisher. It emits an AVC sequence
// header, one fixed-size NALU placeholder per frame, and an AVC sequence
// end tag at whatever frame rate is configured.
//
// Grounded on original_source/shows/simple: a fixed-resolution (1280x720
// luma, 640x360 chroma, I420) frame generator that paints a constant value
// per-plane per frame and feeds an encoder frame-by-frame, flushing any
// delayed frames at the end. No real encoder is wired here (the pack has
// no Go H.264 binding); FrameFunc stands in for the encoder's picture
// buffer callback and Producer emits placeholder NALU bytes of a fixed
// size instead of real encoded output, so the FLV framing and mixer logic
// it feeds are exercised end-to-end without a codec dependency.
package show

import (
	"io"
	"time"

	"github.com/alxayo/rtmpjoin/internal/flv"
)

const (
	// LumaWidth and LumaHeight are the synthetic frame's Y-plane dimensions.
	LumaWidth  = 1280
	LumaHeight = 720
	// ChromaWidth and ChromaHeight are the U/V-plane dimensions (4:2:0).
	ChromaWidth  = LumaWidth / 2
	ChromaHeight = LumaHeight / 2

	// placeholderNaluSize is the size in bytes of each synthetic "encoded"
	// frame this package emits in place of real H.264 output.
	placeholderNaluSize = 256
)

// FrameFunc paints one I420 frame into y, u, v. frameIndex counts up from 0.
// Buffers are reused across calls; FrameFunc must not retain them.
type FrameFunc func(frameIndex int, y, u, v []byte)

// SinAtFrame is a 60-sample sine-derived luma ramp, reproduced from the
// original show's lookup table.
var SinAtFrame = [60]byte{
	128, 141, 154, 167, 179, 191, 202, 213, 222, 231, 238, 244, 249, 252, 254, 255, 254, 252, 249,
	244, 238, 231, 222, 213, 202, 191, 179, 167, 154, 141, 128, 114, 101, 88, 76, 64, 53, 42, 33,
	24, 17, 11, 6, 3, 1, 0, 1, 3, 6, 11, 17, 24, 33, 42, 53, 64, 76, 88, 101, 114,
}

// PulsingLuma is the default FrameFunc: the whole luma plane is set to the
// current step of SinAtFrame, chroma held at 128 (mid-gray, no color).
func PulsingLuma(frameIndex int, y, u, v []byte) {
	lum := SinAtFrame[frameIndex%len(SinAtFrame)]
	for i := range y {
		y[i] = lum
	}
	for i := range u {
		u[i] = 128
	}
	for i := range v {
		v[i] = 128
	}
}

// Producer drives a FrameFunc at a fixed rate and writes a complete
// synthetic FLV stream to out: header, sequence header, one NALU tag per
// frame, and a sequence-end tag. Duration of 0 means run until the done
// channel passed to Run is closed (or forever, if it is nil).
type Producer struct {
	FrameRate int       // frames per second, default 30 if zero
	Duration  int       // frame count; 0 means unbounded
	Frame     FrameFunc // default PulsingLuma if nil

	y, u, v []byte
}

// NewProducer builds a Producer with the I420 planes pre-allocated.
func NewProducer(frameRate, duration int, frame FrameFunc) *Producer {
	if frameRate <= 0 {
		frameRate = 30
	}
	if frame == nil {
		frame = PulsingLuma
	}
	return &Producer{
		FrameRate: frameRate,
		Duration:  duration,
		Frame:     frame,
		y:         make([]byte, LumaWidth*LumaHeight),
		u:         make([]byte, ChromaWidth*ChromaHeight),
		v:         make([]byte, ChromaWidth*ChromaHeight),
	}
}

// Run writes the full synthetic stream to out, one frame per tick of
// FrameRate. The caller closes done to stop early (a sequence-end tag is
// still written before returning); pass nil to run exactly Duration frames
// (or forever, if Duration is also 0).
func (p *Producer) Run(out io.Writer, done <-chan struct{}) error {
	if err := flv.WriteFLVHeader(out); err != nil {
		return err
	}

	seqHeader := []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	seqHeader = append(seqHeader, encoderHeaderPlaceholder()...)
	if err := flv.WriteFullTag(out, flv.TagVideo, 0, seqHeader); err != nil {
		return err
	}

	frameDuration := time.Second / time.Duration(p.FrameRate)
	ts := int32(0)
	i := 0
	for p.Duration == 0 || i < p.Duration {
		select {
		case <-done:
			return p.writeSequenceEnd(out, ts)
		default:
		}

		p.Frame(i, p.y, p.u, p.v)
		nalu := syntheticNalu(i)
		kind := byte(0x27) // inter frame
		if i%keyframeInterval == 0 {
			kind = 0x17 // IDR
		}
		payload := append([]byte{kind, 0x01, 0x00, 0x00, 0x00}, nalu...)
		if err := flv.WriteFullTag(out, flv.TagVideo, ts, payload); err != nil {
			return err
		}

		i++
		ts += int32(1000 / p.FrameRate)
		time.Sleep(frameDuration)
	}
	return p.writeSequenceEnd(out, ts)
}

const keyframeInterval = 30

func (p *Producer) writeSequenceEnd(out io.Writer, ts int32) error {
	return flv.WriteFullTag(out, flv.TagVideo, ts, []byte{0x17, 0x02, 0x00, 0x00, 0x00})
}

// encoderHeaderPlaceholder stands in for the AVCDecoderConfigurationRecord
// a real encoder would emit; downstream mixer/FLV logic only cares that a
// sequence header tag was seen before any NALU tag, not its byte content.
func encoderHeaderPlaceholder() []byte {
	return []byte{0x01, 0x64, 0x00, 0x1f, 0xff}
}

// syntheticNalu returns a deterministic, frame-index-dependent placeholder
// NALU of fixed size standing in for real encoded picture data.
func syntheticNalu(frameIndex int) []byte {
	buf := make([]byte, placeholderNaluSize)
	seed := byte(frameIndex)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}
