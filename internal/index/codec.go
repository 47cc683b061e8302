package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"branchorigin/internal/common"
	"branchorigin/internal/copypoint"
)

// Serialized layout (big-endian):
//
//	int32  count
//	count x {
//	    uint16 len + bytes  key
//	    uint16 len + bytes  source URL
//	    uint16 len + bytes  target URL
//	    int64               source revision
//	    int64               target revision
//	}

// MarshalBinary encodes the index in ascending key order.
func (idx *Index) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 4+idx.Len()*64)
	buf = binary.BigEndian.AppendUint32(buf, uint32(idx.Len()))

	var err error
	it := idx.tree.Iterator()
	for it.Next() {
		data := it.Value().(copypoint.BranchCopyData)
		for _, s := range []string{it.Key().(string), data.Source, data.Target} {
			if buf, err = appendString(buf, s); err != nil {
				return nil, err
			}
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(data.SourceRevision))
		buf = binary.BigEndian.AppendUint64(buf, uint64(data.TargetRevision))
	}
	return buf, nil
}

// UnmarshalBinary replaces the contents of the index with the decoded entries.
func (idx *Index) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)

	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("%w: read count: %v", common.ErrCorrupt, err)
	}
	if count < 0 {
		return fmt.Errorf("%w: negative count %d", common.ErrCorrupt, count)
	}

	decoded := New()
	for i := int32(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return fmt.Errorf("%w: entry %d key: %v", common.ErrCorrupt, i, err)
		}
		source, err := readString(r)
		if err != nil {
			return fmt.Errorf("%w: entry %d source: %v", common.ErrCorrupt, i, err)
		}
		target, err := readString(r)
		if err != nil {
			return fmt.Errorf("%w: entry %d target: %v", common.ErrCorrupt, i, err)
		}
		var revs [2]int64
		if err := binary.Read(r, binary.BigEndian, &revs); err != nil {
			return fmt.Errorf("%w: entry %d revisions: %v", common.ErrCorrupt, i, err)
		}
		decoded.putKey(key, copypoint.New(source, revs[0], target, revs[1]))
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", common.ErrCorrupt, r.Len())
	}

	idx.tree = decoded.tree
	return nil
}

// Decode is a convenience wrapper around UnmarshalBinary.
func Decode(b []byte) (*Index, error) {
	idx := New()
	if err := idx.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return idx, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", common.ErrTooLong, len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
