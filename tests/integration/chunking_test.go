package integration

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/alxayo/rtmpjoin/internal/rtmp/chunk"
)

// encodeSingleMessage produces raw chunk bytes for a message using only
// FMT=0 and FMT=3 basic headers, independent of chunk.Writer, so the
// reader tests below exercise a wire encoding built by hand rather than
// round-tripping through the writer under test.
func encodeSingleMessage(msg *chunk.Message, chunkSize uint32) []byte {
	var out bytes.Buffer

	payload := msg.Payload
	remaining := uint32(len(payload))
	first := true
	for remaining > 0 {
		toWrite := remaining
		if toWrite > chunkSize {
			toWrite = chunkSize
		}

		if first {
			bh := byte(msg.CSID & 0x3F) // fmt=0, assumes CSID in 2..63
			out.WriteByte(bh)

			ts := msg.Timestamp
			if ts >= 0xFFFFFF {
				out.Write([]byte{0xFF, 0xFF, 0xFF})
			} else {
				out.Write([]byte{byte(ts >> 16), byte(ts >> 8), byte(ts)})
			}
			ml := msg.MessageLength
			out.Write([]byte{byte(ml >> 16), byte(ml >> 8), byte(ml)})
			out.WriteByte(msg.TypeID)
			msid := make([]byte, 4)
			binary.LittleEndian.PutUint32(msid, msg.MessageStreamID)
			out.Write(msid)
			if ts >= 0xFFFFFF {
				et := make([]byte, 4)
				binary.BigEndian.PutUint32(et, ts)
				out.Write(et)
			}
			first = false
		} else {
			bh := byte(0xC0 | (msg.CSID & 0x3F)) // fmt=3 continuation
			out.WriteByte(bh)
			if msg.Timestamp >= 0xFFFFFF {
				et := make([]byte, 4)
				binary.BigEndian.PutUint32(et, msg.Timestamp)
				out.Write(et)
			}
		}

		out.Write(payload[:toWrite])
		payload = payload[toWrite:]
		remaining -= toWrite
	}
	return out.Bytes()
}

// TestChunkingFlow exercises chunk.Reader against hand-built wire bytes
// covering single-chunk messages, multi-chunk reassembly, interleaved
// chunk streams, extended timestamps, and a mid-stream chunk size change.
func TestChunkingFlow(t *testing.T) {
	single := &chunk.Message{
		CSID:            2,
		Timestamp:       1000,
		MessageLength:   4,
		TypeID:          1, // Set Chunk Size
		MessageStreamID: 0,
		Payload:         []byte{0x00, 0x00, 0x10, 0x00}, // 4096
	}
	b1 := encodeSingleMessage(single, 128)

	multiPayload := make([]byte, 384)
	multi := &chunk.Message{
		CSID:            6,
		Timestamp:       2000,
		MessageLength:   384,
		TypeID:          9, // Video
		MessageStreamID: 1,
		Payload:         multiPayload,
	}
	b2 := encodeSingleMessage(multi, 128)

	interAudioPayload := make([]byte, 256)
	interVideoPayload := make([]byte, 256)
	interAudio := &chunk.Message{CSID: 4, Timestamp: 3000, MessageLength: 256, TypeID: 8, MessageStreamID: 1, Payload: interAudioPayload}
	interVideo := &chunk.Message{CSID: 6, Timestamp: 3000, MessageLength: 256, TypeID: 9, MessageStreamID: 1, Payload: interVideoPayload}
	iaFirst := encodeSingleMessage(&chunk.Message{CSID: interAudio.CSID, Timestamp: interAudio.Timestamp, MessageLength: interAudio.MessageLength, TypeID: interAudio.TypeID, MessageStreamID: interAudio.MessageStreamID, Payload: interAudio.Payload[:128]}, 128)
	ivFirst := encodeSingleMessage(&chunk.Message{CSID: interVideo.CSID, Timestamp: interVideo.Timestamp, MessageLength: interVideo.MessageLength, TypeID: interVideo.TypeID, MessageStreamID: interVideo.MessageStreamID, Payload: interVideo.Payload[:128]}, 128)
	iaSecondFull := append([]byte{0xC0 | byte(interAudio.CSID)}, interAudio.Payload[128:]...)
	ivSecondFull := append([]byte{0xC0 | byte(interVideo.CSID)}, interVideo.Payload[128:]...)
	// Concatenated as first-audio, first-video, second-audio, second-video chunks.
	interleavedBytes := append(append(append(append([]byte{}, iaFirst...), ivFirst...), iaSecondFull...), ivSecondFull...)

	extPayload := make([]byte, 64)
	extMsg := &chunk.Message{CSID: 4, Timestamp: 20000000, MessageLength: 64, TypeID: 8, MessageStreamID: 1, Payload: extPayload}
	bExt := encodeSingleMessage(extMsg, 128)

	bigPayload := make([]byte, 8192)
	bigMsg := &chunk.Message{CSID: 6, Timestamp: 4000, MessageLength: 8192, TypeID: 9, MessageStreamID: 1, Payload: bigPayload}
	bSet := encodeSingleMessage(single, 128)
	bBigPreSplit := encodeSingleMessage(bigMsg, 4096) // pre-split at the post-change chunk size
	setChunkSequence := append(bSet, bBigPreSplit...)

	t.Run("single_chunk_message", func(t *testing.T) {
		r := chunk.NewReader(bytes.NewReader(b1), 128)
		m, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if m.TypeID != 1 || m.MessageLength != 4 || m.Timestamp != 1000 {
			t.Fatalf("unexpected message metadata: %+v", m)
		}
	})

	t.Run("multi_chunk_message", func(t *testing.T) {
		r := chunk.NewReader(bytes.NewReader(b2), 128)
		m, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("expected multi-chunk message, got error: %v", err)
		}
		if m.MessageLength != 384 || m.TypeID != 9 {
			t.Fatalf("unexpected message meta: len=%d type=%d", m.MessageLength, m.TypeID)
		}
	})

	t.Run("interleaved_streams", func(t *testing.T) {
		r := chunk.NewReader(bytes.NewReader(interleavedBytes), 128)
		msgs := []*chunk.Message{}
		for len(msgs) < 2 {
			m, err := r.ReadMessage()
			if err != nil {
				t.Fatalf("interleaved read error (expected 2 messages): %v", err)
			}
			msgs = append(msgs, m)
		}
	})

	t.Run("extended_timestamp", func(t *testing.T) {
		r := chunk.NewReader(bytes.NewReader(bExt), 128)
		m, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("extended timestamp read error: %v", err)
		}
		if m.Timestamp != 20000000 {
			t.Fatalf("expected timestamp 20000000, got %d", m.Timestamp)
		}
	})

	t.Run("set_chunk_size_then_large_message", func(t *testing.T) {
		r := chunk.NewReader(bytes.NewReader(setChunkSequence), 128)
		m1, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("expected set chunk size message first, got error: %v", err)
		}
		if m1.TypeID != 1 || m1.MessageLength != 4 {
			t.Fatalf("unexpected first message metadata: %+v", m1)
		}
		r.SetChunkSize(4096)
		m2, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("expected big message after chunk size change, got error: %v", err)
		}
		if m2.MessageLength != 8192 {
			t.Fatalf("expected big message length 8192, got %d", m2.MessageLength)
		}
	})
}
