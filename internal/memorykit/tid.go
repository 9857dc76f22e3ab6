package memorykit

import "time"

// Repository listings are keyed by creation-ordered record keys, not
// timestamps, so a time-anchored scan needs a synthetic key that sorts at the
// desired instant. Keys are 13 characters of sortable base32 over a 64-bit
// value whose top 54 bits are the creation time in microseconds.

const sortableBase32Alphabet = "234567abcdefghijklmnopqrstuvwxyz"

// cursorForTime encodes the instant as a record-key cursor that sorts before
// every record created at or after it.
func cursorForTime(instant time.Time) string {
	value := uint64(instant.UnixMicro()) << 10
	var encoded [13]byte
	for position := 12; position >= 0; position-- {
		encoded[position] = sortableBase32Alphabet[value&0x1f]
		value >>= 5
	}
	return string(encoded[:])
}
