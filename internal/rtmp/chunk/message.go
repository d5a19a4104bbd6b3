package chunk

// Message represents a fully reassembled RTMP message (post-dechunking).
// Field naming follows the chunking contract.
type Message struct {
	CSID            uint32
	Timestamp       uint32
	MessageLength   uint32
	TypeID          uint8
	MessageStreamID uint32
	Payload         []byte

	// ForceUncompressed makes the Writer emit a full FMT0 header even when
	// per-CSID state would allow a compressed one. Some clients (observed
	// with ffmpeg) mis-handle compressed headers on the first control
	// messages after connect.
	ForceUncompressed bool
}
