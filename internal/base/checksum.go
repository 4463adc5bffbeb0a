package base

import "hash/crc32"

// Checksum computes the CRC32 of block, folded with one auxiliary byte (the
// record or block type) so that a payload re-framed under a different type
// never verifies.
func Checksum(block []byte, auxiliary byte) uint32 {
	aux := [1]byte{auxiliary}
	c := crc32.ChecksumIEEE(block)
	return crc32.Update(c, crc32.IEEETable, aux[:])
}
