package noise

import "encoding/binary"

func putUint64(dst []byte, v uint64) {
	binary.BigEndian.PutUint64(dst, v)
}

func getUint64(src []byte) uint64 {
	return binary.BigEndian.Uint64(src)
}
