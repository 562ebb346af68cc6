package causal

import "encoding/binary"

// Variable-length little-endian packing for counters and sequence
// numbers; the smaller the int, the shorter the byte string.

func ZipUint64(v uint64) []byte {
	var ret [8]byte
	binary.LittleEndian.PutUint64(ret[:], v)
	n := 8
	for n > 0 && ret[n-1] == 0 {
		n--
	}
	return ret[:n]
}

func UnzipUint64(zip []byte) (v uint64) {
	if len(zip) > 8 {
		zip = zip[:8]
	}
	var buf [8]byte
	copy(buf[:], zip)
	return binary.LittleEndian.Uint64(buf[:])
}
