package base

import "encoding/binary"

// KeyKind enumerates the kind of key: a deletion tombstone or a set value.
type KeyKind byte

const (
	KeyKindDelete KeyKind = iota
	KeyKindSet
)

// SeqNum is a sequence number defining precedence among identical keys. A key
// with a higher sequence number takes precedence over a key with an equal user
// key of a lower sequence number. Sequence numbers are never reused.
type SeqNum uint64

// MaxSeqNum is the largest representable sequence number (7 bytes).
const MaxSeqNum SeqNum = 1<<56 - 1

// InternalKeyTrailer encodes a [SeqNum (7) + KeyKind (1)].
type InternalKeyTrailer uint64

// InternalKey or internal key. Due to the LSM structure, keys are never updated
// in place, but overwritten with new versions. An InternalKey is composed of
// the user specified key, a sequence number (7 bytes) and a kind (1 byte).
//
//	+-------------+------------+----------+
//	| UserKey (N) | SeqNum (7) | Kind (1) |
//	+-------------+------------+----------+
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

func MakeKey(userKey []byte, num SeqNum, kind KeyKind) InternalKey {
	trailer := InternalKeyTrailer((uint64(num) << 8) | uint64(kind))
	return InternalKey{
		UserKey: userKey,
		Trailer: trailer,
	}
}

// MakeSearchKey builds a key that positions before every entry of userKey
// visible at num, per the descending trailer order within a user key.
func MakeSearchKey(userKey []byte, num SeqNum) InternalKey {
	return MakeKey(userKey, num, KeyKindSet)
}

func (k *InternalKey) SeqNum() SeqNum {
	return SeqNum(k.Trailer >> 8)
}

func (k *InternalKey) KeyKind() KeyKind {
	return KeyKind(k.Trailer & 0xFF) // trailer & (2^8 - 1)
}

// Size returns the serialised size of the key.
func (k *InternalKey) Size() int {
	return len(k.UserKey) + 8
}

// SerializeTo writes the key into buf, which must be at least Size() long.
func (k *InternalKey) SerializeTo(buf []byte) {
	n := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[n:], uint64(k.Trailer))
}

// Serialize returns the key appended to dst: UserKey followed by the 8-byte
// little-endian trailer.
func (k *InternalKey) Serialize(dst []byte) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(k.Trailer))
	dst = append(dst, k.UserKey...)
	return append(dst, tmp[:]...)
}

// DeserializeKey parses a serialised internal key. It returns nil if the
// encoding is shorter than the 8-byte trailer.
// Note: the returned UserKey aliases the input buffer.
func DeserializeKey(encoded []byte) *InternalKey {
	n := len(encoded) - 8
	if n < 0 {
		return nil
	}
	return &InternalKey{
		UserKey: encoded[:n:n],
		Trailer: InternalKeyTrailer(binary.LittleEndian.Uint64(encoded[n:])),
	}
}

// Clone deep-copies the user key, for callers that must outlive the buffer
// the key was parsed from.
func (k InternalKey) Clone() InternalKey {
	return InternalKey{
		UserKey: append([]byte(nil), k.UserKey...),
		Trailer: k.Trailer,
	}
}

// Compare orders internal keys by user key ascending (per cmp), then by
// trailer descending, so that for one user key the newest version sorts first.
func (k *InternalKey) Compare(cmp Compare, other InternalKey) int {
	if c := cmp(k.UserKey, other.UserKey); c != 0 {
		return c
	}
	switch {
	case k.Trailer > other.Trailer:
		return -1
	case k.Trailer < other.Trailer:
		return 1
	default:
		return 0
	}
}

// CompareSerialized is Compare over two serialised internal keys.
func CompareSerialized(cmp Compare, a, b []byte) int {
	ak, bk := DeserializeKey(a), DeserializeKey(b)
	return ak.Compare(cmp, *bk)
}
