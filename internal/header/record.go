package header

import (
	"encoding/binary"
	"errors"
)

// ErrNoMoreRecords means the scan reached the end of flash without a
// match: there was not enough remaining flash to hold another record
// prefix, or the entry that prefix declares.
var ErrNoMoreRecords = errors.New("header: no more flash records")

// ErrUnparseable means a record prefix was read but its header could not
// be parsed at all; per the flash record format this ends the scan,
// since a deliberately invalid header conventionally marks end-of-list.
var ErrUnparseable = errors.New("header: flash record header unparseable")

// recordPrefixBytes is the 8-byte {version, header_length, entry_length}
// prefix every flash record begins with.
const recordPrefixBytes = 8

// Record is one parsed flash record: a named, possibly-disabled binary
// slot back-to-back in flash with its neighbors.
type Record struct {
	Version      uint16
	HeaderLength uint16
	EntryLength  uint32
	Enabled      bool
	PackageName  string
	Binary       Binary
}

// Find scans flash (the full flash byte range, starting at flashBase in
// the runtime's address space) for a record named name whose Enabled flag
// is false — a binary the kernel's normal application loader has been
// told to leave alone, reserved for this runtime instead.
//
// Find mirrors find() in the reference loader: it walks record by
// record, skipping enabled apps and name mismatches, and returns the
// first disabled record matching name.
func Find(name string, flashBase uint64, flash []byte) (Record, error) {
	remaining := flash
	base := flashBase

	for {
		if len(remaining) < recordPrefixBytes {
			return Record{}, ErrNoMoreRecords
		}

		version := binary.LittleEndian.Uint16(remaining[0:2])
		headerLength := binary.LittleEndian.Uint16(remaining[2:4])
		entryLength := binary.LittleEndian.Uint32(remaining[4:8])

		if entryLength == 0 {
			// A record with no body cannot hold a valid header; the
			// reference loader treats this as the sentinel that ends
			// the list.
			return Record{}, ErrUnparseable
		}
		if uint64(len(remaining)) < uint64(entryLength) {
			return Record{}, ErrNoMoreRecords
		}

		entry := remaining[:entryLength]
		entryBase := base
		remaining = remaining[entryLength:]
		base += uint64(entryLength)

		if headerLength == 0 {
			// No parseable header in this entry: skip it and keep
			// scanning, matching the reference loader's "InvalidHeader"
			// recovery path.
			continue
		}
		if uint64(headerLength) > uint64(len(entry)) || headerLength < recordPrefixBytes+5 {
			continue
		}

		body := entry[recordPrefixBytes:headerLength]
		enabled := body[0] != 0
		protectedSize := binary.LittleEndian.Uint32(body[1:5])
		packageName := readCString(body[5:])

		if enabled {
			continue
		}
		if packageName != name {
			continue
		}
		if uint64(protectedSize) > uint64(entryLength) {
			continue
		}

		return Record{
			Version:      version,
			HeaderLength: headerLength,
			EntryLength:  entryLength,
			Enabled:      enabled,
			PackageName:  packageName,
			Binary: Binary{
				Start:  entryBase + uint64(protectedSize),
				Length: uint64(entryLength) - uint64(protectedSize),
			},
		}, nil
	}
}

func readCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
