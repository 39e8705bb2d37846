package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/INLOpen/pesadb/core"
)

// Frame layout, all integers little-endian:
//
//	lsn u32 | txnId u32 | op u8 | tblLen u16 | table | payloadLen u32 | payload | checksum u32
//
// The checksum field is reserved and always written as 0.
const (
	frameHeaderSize  = 4 + 4 + 1 + 2
	frameTrailerSize = 4
	// MinFrameSize is the size of a frame with an empty table name and payload.
	MinFrameSize = frameHeaderSize + 4 + frameTrailerSize
	// MaxPayloadSize bounds payloadLen when reading so garbage cannot trigger
	// huge allocations.
	MaxPayloadSize = 1 << 30
)

// FrameSize returns the encoded size of e.
func FrameSize(e *core.WALEntry) int {
	return frameHeaderSize + len(e.Table) + 4 + len(e.Payload) + frameTrailerSize
}

func checkEncodable(e *core.WALEntry) error {
	if !e.Op.Valid() {
		return fmt.Errorf("%w: wal op %d", core.ErrUnsupportedEncoding, uint8(e.Op))
	}
	if len(e.Table) > core.MaxTableNameLen {
		return fmt.Errorf("%w: table name of %d bytes", core.ErrUnsupportedEncoding, len(e.Table))
	}
	if len(e.Payload) > MaxPayloadSize || uint64(len(e.Payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: payload of %d bytes", core.ErrUnsupportedEncoding, len(e.Payload))
	}
	return nil
}

// AppendFrame appends the encoding of e to dst.
func AppendFrame(dst []byte, e *core.WALEntry) ([]byte, error) {
	if err := checkEncodable(e); err != nil {
		return dst, err
	}
	dst = binary.LittleEndian.AppendUint32(dst, e.LSN)
	dst = binary.LittleEndian.AppendUint32(dst, e.TxnID)
	dst = append(dst, byte(e.Op))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(e.Table)))
	dst = append(dst, e.Table...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Payload)))
	dst = append(dst, e.Payload...)
	dst = binary.LittleEndian.AppendUint32(dst, 0)
	return dst, nil
}

// DecodeFrame decodes the frame at the start of buf and returns it with the
// number of bytes consumed. A buffer holding only part of a frame returns
// io.ErrUnexpectedEOF; an empty buffer returns io.EOF.
func DecodeFrame(buf []byte) (core.WALEntry, int, error) {
	if len(buf) == 0 {
		return core.WALEntry{}, 0, io.EOF
	}
	if len(buf) < frameHeaderSize {
		return core.WALEntry{}, 0, io.ErrUnexpectedEOF
	}
	e := core.WALEntry{
		LSN:   binary.LittleEndian.Uint32(buf[0:4]),
		TxnID: binary.LittleEndian.Uint32(buf[4:8]),
		Op:    core.OpType(buf[8]),
	}
	if !e.Op.Valid() {
		return core.WALEntry{}, 0, fmt.Errorf("%w: wal op %d", core.ErrCorruptRecord, buf[8])
	}
	tblLen := int(binary.LittleEndian.Uint16(buf[9:11]))
	off := frameHeaderSize
	if len(buf) < off+tblLen+4 {
		return core.WALEntry{}, 0, io.ErrUnexpectedEOF
	}
	e.Table = string(buf[off : off+tblLen])
	off += tblLen
	payloadLen := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if payloadLen > MaxPayloadSize {
		return core.WALEntry{}, 0, fmt.Errorf("%w: payload length %d", core.ErrCorruptRecord, payloadLen)
	}
	if len(buf) < off+int(payloadLen)+frameTrailerSize {
		return core.WALEntry{}, 0, io.ErrUnexpectedEOF
	}
	e.Payload = append([]byte(nil), buf[off:off+int(payloadLen)]...)
	off += int(payloadLen) + frameTrailerSize
	return e, off, nil
}

// readFrame decodes one frame from r. It returns io.EOF only when r is
// exhausted at a frame boundary.
func readFrame(r io.Reader) (core.WALEntry, int, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return core.WALEntry{}, 0, err
	}
	e := core.WALEntry{
		LSN:   binary.LittleEndian.Uint32(hdr[0:4]),
		TxnID: binary.LittleEndian.Uint32(hdr[4:8]),
		Op:    core.OpType(hdr[8]),
	}
	if !e.Op.Valid() {
		return core.WALEntry{}, 0, fmt.Errorf("%w: wal op %d", core.ErrCorruptRecord, hdr[8])
	}
	tblLen := int(binary.LittleEndian.Uint16(hdr[9:11]))
	table := make([]byte, tblLen+4)
	if _, err := io.ReadFull(r, table); err != nil {
		return core.WALEntry{}, 0, unexpected(err)
	}
	e.Table = string(table[:tblLen])
	payloadLen := binary.LittleEndian.Uint32(table[tblLen:])
	if payloadLen > MaxPayloadSize {
		return core.WALEntry{}, 0, fmt.Errorf("%w: payload length %d", core.ErrCorruptRecord, payloadLen)
	}
	body := make([]byte, int(payloadLen)+frameTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return core.WALEntry{}, 0, unexpected(err)
	}
	e.Payload = body[:payloadLen:payloadLen]
	return e, frameHeaderSize + len(table) + len(body), nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
