// Package flv encodes and decodes the FLV container primitives this server
// needs: the file signature header, the 11-byte tag header shared by every
// tag type, and the AAC/AVC sub-headers carried inside audio and video tag
// payloads. It mirrors the teacher's media.Recorder tag-writing code but
// tightens the audio/video sub-header parsing to the exact byte rules the
// mixer depends on (strict 0xAF / 0x17 / 0x27 checks, signed composition
// time offsets).
package flv

import (
	"encoding/binary"
	"io"

	rerrors "github.com/alxayo/rtmpjoin/internal/errors"
)

// Tag type IDs as carried in byte 0 of the FLV tag header.
const (
	TagAudio  uint8 = 8
	TagVideo  uint8 = 9
	TagScript uint8 = 18
)

// WriteFLVHeader writes the 9-byte FLV signature plus the trailing
// PreviousTagSize0 field (always zero), 13 bytes total.
func WriteFLVHeader(w io.Writer) error {
	header := [13]byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	if _, err := w.Write(header[:]); err != nil {
		return rerrors.NewIo("flv.write_header", err)
	}
	return nil
}

// WriteTagHeader writes the 11-byte FLV tag header. ts is a signed
// millisecond timestamp; it is split into a 24-bit low part and an 8-bit
// high (extended) part exactly as the FLV spec's sign-carrying encoding
// requires.
func WriteTagHeader(w io.Writer, tagType uint8, dataSize int, ts int32) error {
	if dataSize < 0 || dataSize > 0xFFFFFF {
		return rerrors.NewOverflow("flv.write_tag_header", nil)
	}
	uts := uint32(ts)
	var hdr [11]byte
	hdr[0] = tagType
	hdr[1] = byte(dataSize >> 16)
	hdr[2] = byte(dataSize >> 8)
	hdr[3] = byte(dataSize)
	hdr[4] = byte(uts >> 16)
	hdr[5] = byte(uts >> 8)
	hdr[6] = byte(uts)
	hdr[7] = byte(uts >> 24)
	if _, err := w.Write(hdr[:]); err != nil {
		return rerrors.NewIo("flv.write_tag_header", err)
	}
	return nil
}

// WriteFullTag writes a tag header, its payload, and the trailing
// previous-tag-size field (11 + len(payload)) in one call.
func WriteFullTag(w io.Writer, tagType uint8, ts int32, payload []byte) error {
	if err := WriteTagHeader(w, tagType, len(payload), ts); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return rerrors.NewIo("flv.write_tag_payload", err)
		}
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], uint32(11+len(payload)))
	if _, err := w.Write(trailer[:]); err != nil {
		return rerrors.NewIo("flv.write_tag_trailer", err)
	}
	return nil
}

// AudioKind classifies a parsed AAC audio sub-header.
type AudioKind uint8

const (
	AudioSequenceHeader AudioKind = iota
	AudioRaw
)

// AudioHeader is the parsed form of an AAC audio tag's 2-byte sub-header.
type AudioHeader struct {
	Kind AudioKind
}

// ReadAudioHeader validates and parses the 2-byte AAC audio sub-header
// (0xAF soundFormat/rate/size/channels byte, then aac_packet_type).
func ReadAudioHeader(data []byte) (AudioHeader, error) {
	if len(data) < 2 {
		return AudioHeader{}, rerrors.NewInvalidData("flv.audio_header", nil)
	}
	if data[0] != 0xAF {
		return AudioHeader{}, rerrors.NewInvalidData("flv.audio_header", nil)
	}
	switch data[1] {
	case 0:
		return AudioHeader{Kind: AudioSequenceHeader}, nil
	case 1:
		return AudioHeader{Kind: AudioRaw}, nil
	default:
		return AudioHeader{}, rerrors.NewInvalidData("flv.audio_header", nil)
	}
}

// VideoKind classifies a parsed AVC video sub-header.
type VideoKind uint8

const (
	VideoSequenceHeader VideoKind = iota
	VideoNalu
	VideoSequenceEnd
)

// VideoHeader is the parsed form of an AVC video tag's 5-byte sub-header
// (frame-type/codec byte + 4-byte AVCVIDEOPACKET header).
type VideoHeader struct {
	Kind                VideoKind
	Seekable            bool
	CompositionOffsetMs int32 // only meaningful when Kind == VideoNalu
}

// ReadVideoHeader validates and parses the leading bytes of an AVC video
// tag payload: byte0 in {0x17 (seekable/IDR), 0x27 (inter frame)}, byte1 the
// avc_packet_type, and (for NALU packets) a signed 24-bit BE composition
// time offset in bytes 2-4.
func ReadVideoHeader(data []byte) (VideoHeader, error) {
	if len(data) < 5 {
		return VideoHeader{}, rerrors.NewInvalidData("flv.video_header", nil)
	}
	var seekable bool
	switch data[0] {
	case 0x17:
		seekable = true
	case 0x27:
		seekable = false
	default:
		return VideoHeader{}, rerrors.NewInvalidData("flv.video_header", nil)
	}
	switch data[1] {
	case 0:
		return VideoHeader{Kind: VideoSequenceHeader, Seekable: seekable}, nil
	case 2:
		return VideoHeader{Kind: VideoSequenceEnd, Seekable: seekable}, nil
	case 1:
		off := decodeSigned24(data[2], data[3], data[4])
		return VideoHeader{Kind: VideoNalu, Seekable: seekable, CompositionOffsetMs: off}, nil
	default:
		return VideoHeader{}, rerrors.NewInvalidData("flv.video_header", nil)
	}
}

// decodeSigned24 sign-extends a big-endian 24-bit two's complement value.
// A prior revision of this logic stored the composition offset into an
// unsigned field; keep the sign extension explicit so that regression
// doesn't resurface.
func decodeSigned24(b0, b1, b2 byte) int32 {
	v := uint32(b0)<<16 | uint32(b1)<<8 | uint32(b2)
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return int32(v)
}

// EncodeSigned24 is the inverse of decodeSigned24, exported so callers that
// synthesize AVC payloads (the show producer, tests) can build a correctly
// signed composition offset without reaching into package internals.
func EncodeSigned24(v int32) [3]byte {
	u := uint32(v)
	return [3]byte{byte(u >> 16), byte(u >> 8), byte(u)}
}
