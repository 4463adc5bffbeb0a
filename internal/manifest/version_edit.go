package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/datnguyenzzz/gravel/internal/base"
)

// Tags for the VersionEdit disk format. Gaps in the numbering are reserved
// for tags that may be added later.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagDeletedFile    = 6
	tagNewFile        = 7
)

// DeletedTableEntry holds the state for a table deletion from a level. The
// file itself might still be referenced by an older live Version.
type DeletedTableEntry struct {
	Level   int
	FileNum uint64
}

// NewTableEntry holds the state for a new table or one moved from a
// different level.
type NewTableEntry struct {
	Level int
	Meta  *TableMeta
}

// VersionEdit holds one delta between consecutive Versions along with other
// durable state: the oldest WAL still needed, the next file number and the
// last allocated sequence number. Zero-valued fields are not encoded.
type VersionEdit struct {
	// ComparerName is only set in the first edit of a manifest and is used to
	// verify that the comparer specified at Open matches the one the store
	// was created with.
	ComparerName string

	// LogNum is the WAL file whose mutations are not yet flushed to a table;
	// recovery replays it.
	LogNum uint64

	NextFileNum uint64
	LastSeq     base.SeqNum

	DeletedTables []DeletedTableEntry
	NewTables     []NewTableEntry
}

func (e *VersionEdit) Encode() []byte {
	var buf bytes.Buffer
	if e.ComparerName != "" {
		putUvarint(&buf, tagComparator)
		putLenPrefixed(&buf, []byte(e.ComparerName))
	}
	if e.LogNum != 0 {
		putUvarint(&buf, tagLogNumber)
		putUvarint(&buf, e.LogNum)
	}
	if e.NextFileNum != 0 {
		putUvarint(&buf, tagNextFileNumber)
		putUvarint(&buf, e.NextFileNum)
	}
	if e.LastSeq != 0 {
		putUvarint(&buf, tagLastSequence)
		putUvarint(&buf, uint64(e.LastSeq))
	}
	for _, d := range e.DeletedTables {
		putUvarint(&buf, tagDeletedFile)
		putUvarint(&buf, uint64(d.Level))
		putUvarint(&buf, d.FileNum)
	}
	for _, n := range e.NewTables {
		putUvarint(&buf, tagNewFile)
		putUvarint(&buf, uint64(n.Level))
		putUvarint(&buf, n.Meta.FileNum)
		putUvarint(&buf, n.Meta.Size)
		putLenPrefixed(&buf, n.Meta.Smallest.Serialize(nil))
		putLenPrefixed(&buf, n.Meta.Largest.Serialize(nil))
	}
	return buf.Bytes()
}

func (e *VersionEdit) Decode(data []byte) error {
	r := bytes.NewReader(data)
	for {
		tag, err := binary.ReadUvarint(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errMalformedEdit("tag")
		}
		switch tag {
		case tagComparator:
			name, err := readLenPrefixed(r)
			if err != nil {
				return errMalformedEdit("comparator name")
			}
			e.ComparerName = string(name)
		case tagLogNumber:
			if e.LogNum, err = binary.ReadUvarint(r); err != nil {
				return errMalformedEdit("log number")
			}
		case tagNextFileNumber:
			if e.NextFileNum, err = binary.ReadUvarint(r); err != nil {
				return errMalformedEdit("next file number")
			}
		case tagLastSequence:
			n, err := binary.ReadUvarint(r)
			if err != nil {
				return errMalformedEdit("last sequence")
			}
			e.LastSeq = base.SeqNum(n)
		case tagDeletedFile:
			level, err := binary.ReadUvarint(r)
			if err != nil || level >= NumLevels {
				return errMalformedEdit("deleted file level")
			}
			fileNum, err := binary.ReadUvarint(r)
			if err != nil {
				return errMalformedEdit("deleted file number")
			}
			e.DeletedTables = append(e.DeletedTables, DeletedTableEntry{
				Level:   int(level),
				FileNum: fileNum,
			})
		case tagNewFile:
			level, err := binary.ReadUvarint(r)
			if err != nil || level >= NumLevels {
				return errMalformedEdit("new file level")
			}
			m := &TableMeta{}
			if m.FileNum, err = binary.ReadUvarint(r); err != nil {
				return errMalformedEdit("new file number")
			}
			if m.Size, err = binary.ReadUvarint(r); err != nil {
				return errMalformedEdit("new file size")
			}
			sk, err := readLenPrefixed(r)
			if err != nil {
				return errMalformedEdit("new file smallest key")
			}
			lk, err := readLenPrefixed(r)
			if err != nil {
				return errMalformedEdit("new file largest key")
			}
			smallest := base.DeserializeKey(sk)
			largest := base.DeserializeKey(lk)
			if smallest == nil || largest == nil {
				return errMalformedEdit("new file key bounds")
			}
			m.Smallest = smallest.Clone()
			m.Largest = largest.Clone()
			e.NewTables = append(e.NewTables, NewTableEntry{Level: int(level), Meta: m})
		default:
			return errMalformedEdit(fmt.Sprintf("unknown tag %d", tag))
		}
	}
}

func errMalformedEdit(what string) error {
	return fmt.Errorf("%w: manifest: malformed version edit (%s)", base.ErrCorruption, what)
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func putLenPrefixed(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
