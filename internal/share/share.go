// Package share defines the share-log wire record.
//
// The record has a fixed 32-byte layout with explicit little-endian
// integer fields, so producer and consumer stay compatible across
// architectures. The IP field is the exception: it carries the IPv4
// octets in network byte order.
package share

import (
	"encoding/binary"
	"fmt"

	"github.com/bkartel1/btcpool/internal/util"
)

// Result is the outcome of a share submission
type Result uint32

const (
	// Reject marks a share that failed upstream checks
	Reject Result = 0
	// Accept marks a share that counts toward accept rates
	Accept Result = 1
)

// Field offsets in the wire record
const (
	offTimestamp    = 0
	offUserID       = 4
	offWorkerHashID = 8
	offIP           = 16
	offShare        = 20
	offResult       = 28

	// RecordSize is the exact byte length of one wire record
	RecordSize = 32
)

// Share is one proof-of-work submission pulled off the share log.
// WorkerHashID 0 is reserved; it never identifies a real worker.
type Share struct {
	Timestamp    uint32
	UserID       int32
	WorkerHashID int64
	IP           uint32
	Share        uint64
	Result       Result
}

// UnmarshalBinary decodes a wire record. The payload length must equal
// RecordSize exactly.
func (s *Share) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("share record size %d, want %d", len(data), RecordSize)
	}

	s.Timestamp = binary.LittleEndian.Uint32(data[offTimestamp:])
	s.UserID = int32(binary.LittleEndian.Uint32(data[offUserID:]))
	s.WorkerHashID = int64(binary.LittleEndian.Uint64(data[offWorkerHashID:]))
	s.IP = binary.BigEndian.Uint32(data[offIP:])
	s.Share = binary.LittleEndian.Uint64(data[offShare:])
	s.Result = Result(binary.LittleEndian.Uint32(data[offResult:]))

	return nil
}

// MarshalBinary encodes the wire record.
func (s *Share) MarshalBinary() ([]byte, error) {
	data := make([]byte, RecordSize)

	binary.LittleEndian.PutUint32(data[offTimestamp:], s.Timestamp)
	binary.LittleEndian.PutUint32(data[offUserID:], uint32(s.UserID))
	binary.LittleEndian.PutUint64(data[offWorkerHashID:], uint64(s.WorkerHashID))
	binary.BigEndian.PutUint32(data[offIP:], s.IP)
	binary.LittleEndian.PutUint64(data[offShare:], s.Share)
	binary.LittleEndian.PutUint32(data[offResult:], uint32(s.Result))

	return data, nil
}

// IsValid reports whether the record can be attributed to a worker.
func (s *Share) IsValid() bool {
	if s.UserID <= 0 || s.WorkerHashID == 0 {
		return false
	}
	if s.Timestamp == 0 || s.Share == 0 {
		return false
	}
	return true
}

// IPString returns the submitter address as a dotted quad.
func (s *Share) IPString() string {
	return util.IPv4String(s.IP)
}

// String renders the record for error logs.
func (s *Share) String() string {
	return fmt.Sprintf("share(timestamp: %d, userId: %d, workerId: %d, ip: %s, share: %d, result: %d)",
		s.Timestamp, s.UserID, s.WorkerHashID, s.IPString(), s.Share, s.Result)
}
