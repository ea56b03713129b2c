package journal

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum CRC32-IEEE over seq, type, run id and data.
// Timestamp is excluded.
func CalculateChecksum(seq uint64, eventType EventType, runID string, data []byte) uint32 {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	h := crc32.NewIEEE()
	h.Write(seqBuf[:])
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write(data)
	return h.Sum32()
}

// VerifyChecksum recomputes the checksum of event
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Seq, event.Type, event.RunID, event.Data)
}
