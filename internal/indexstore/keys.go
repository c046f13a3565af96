package indexstore

import (
	"encoding/binary"
	"math"
)

// Raw pebble keyspace. Logical keys never contain 0x00, so it terminates
// them and keeps one key from being a prefix of another.
//
//	v/{key}                         value
//	h/{key}\x00{field}              hash field
//	z/{key}\x00m\x00{member}        member -> score_be8
//	z/{key}\x00s\x00{score_be8}{member}   score order

const scoreLen = 8

var (
	valuePrefix = []byte("v/")
	hashSeg     = []byte("h/")
	zsetSeg     = []byte("z/")
	memberSeg   = []byte("\x00m\x00")
	orderSeg    = []byte("\x00s\x00")
)

func valueKey(key string) []byte {
	k := make([]byte, 0, len(valuePrefix)+len(key))
	k = append(k, valuePrefix...)
	return append(k, key...)
}

func hashPrefix(key string) []byte {
	k := make([]byte, 0, len(hashSeg)+len(key)+1)
	k = append(k, hashSeg...)
	k = append(k, key...)
	return append(k, 0)
}

func hashFieldKey(key, field string) []byte {
	return append(hashPrefix(key), field...)
}

func zmemberPrefix(key string) []byte {
	k := make([]byte, 0, len(zsetSeg)+len(key)+len(memberSeg))
	k = append(k, zsetSeg...)
	k = append(k, key...)
	return append(k, memberSeg...)
}

func zmemberKey(key, member string) []byte {
	return append(zmemberPrefix(key), member...)
}

func zorderPrefix(key string) []byte {
	k := make([]byte, 0, len(zsetSeg)+len(key)+len(orderSeg))
	k = append(k, zsetSeg...)
	k = append(k, key...)
	return append(k, orderSeg...)
}

func zorderKey(key string, score float64, member string) []byte {
	k := zorderPrefix(key)
	k = append(k, encodeScore(score)...)
	return append(k, member...)
}

// encodeScore maps a float64 onto 8 bytes whose lexicographic order matches
// numeric order.
func encodeScore(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	var b [scoreLen]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return b[:]
}

func decodeScore(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
