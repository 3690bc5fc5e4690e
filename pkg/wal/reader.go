package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrInvalidMagic      = errors.New("invalid WAL file: bad magic number")
	ErrChecksumMismatch  = errors.New("data corruption: invalid CRC32 checksum")
	ErrInvalidPayloadLen = errors.New("invalid or excessive payload length")
)

// WALReader reads entries from the log sequentially.
type WALReader struct {
	file   *os.File
	offset int64
}

// NewWALReader opens a reader over an existing log file.
func NewWALReader(path string) (*WALReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &WALReader{
		file: f,
	}, nil
}

// ReadEntry reads the next entry from the log.
// Returns io.EOF once no more data remains.
func (r *WALReader) ReadEntry() (*WALEntry, error) {
	// 1. Read the header (24 bytes).
	headerBuf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r.file, headerBuf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	if n != HeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	// 2. Decode and validate the header.
	var header WALHeader
	header.Decode(headerBuf)

	if header.Magic != WALMagic {
		return nil, ErrInvalidMagic
	}

	if header.PayloadLen == 0 {
		// Empty entry: return as-is; its checksum is not validated.
		return &WALEntry{Header: header}, nil
	}

	// Guard against an absurd allocation (e.g. garbage read as a length).
	if header.PayloadLen > 1024*1024*1024 { // 1GB limit
		return nil, ErrInvalidPayloadLen
	}

	// 3. Read the payload.
	// Drawn from the pool; the caller must release it via ReleaseEntry.
	entry := AcquireEntry()
	entry.Header = header

	// Ensure capacity.
	if uint32(cap(entry.Payload)) < header.PayloadLen {
		entry.Payload = make([]byte, header.PayloadLen)
	} else {
		entry.Payload = entry.Payload[:header.PayloadLen]
	}

	n, err = io.ReadFull(r.file, entry.Payload)
	if err != nil {
		// Return to the pool before returning the error to avoid a leak.
		ReleaseEntry(entry)
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF // truncated payload
		}
		return nil, err
	}

	// 4. Validate the checksum.
	if !ValidateCRC32(entry.Payload, header.CRC32) {
		ReleaseEntry(entry)
		return nil, ErrChecksumMismatch
	}

	r.offset += int64(HeaderSize + header.PayloadLen)
	return entry, nil
}

// Close closes the underlying file.
func (r *WALReader) Close() error {
	return r.file.Close()
}
