package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Binary codec for updates and state vectors. The format is uvarint based and
// opaque to every other package:
//
//	update       := itemCount item* deleteCount delete*
//	item         := client clock hasOrigin(0|1) [originClient originClock] contentLen contentBytes
//	delete       := client clock
//	state vector := clientCount (client nextClock)*
//
// Items are written sorted by (client, clock) so per-client runs arrive in
// causal order.

var errTruncated = errors.New("truncated payload")

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, errTruncated
	}
	r.off += n
	return v, nil
}

func (r *byteReader) bytes(n uint64) ([]byte, error) {
	if uint64(len(r.buf)-r.off) < n {
		return nil, errTruncated
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func (r *byteReader) done() bool {
	return r.off >= len(r.buf)
}

func appendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

func encodeUpdate(items []*item, deletes []ID) []byte {
	buf := appendUvarint(nil, uint64(len(items)))
	for _, it := range items {
		buf = appendUvarint(buf, it.id.Client)
		buf = appendUvarint(buf, it.id.Clock)
		if it.hasOrigin {
			buf = append(buf, 1)
			buf = appendUvarint(buf, it.origin.Client)
			buf = appendUvarint(buf, it.origin.Clock)
		} else {
			buf = append(buf, 0)
		}
		buf = appendUvarint(buf, uint64(len(it.content)))
		buf = append(buf, it.content...)
	}
	buf = appendUvarint(buf, uint64(len(deletes)))
	for _, id := range deletes {
		buf = appendUvarint(buf, id.Client)
		buf = appendUvarint(buf, id.Clock)
	}
	return buf
}

func decodeUpdate(data []byte) ([]*item, []ID, error) {
	r := &byteReader{buf: data}

	itemCount, err := r.uvarint()
	if err != nil {
		return nil, nil, fmt.Errorf("update item count: %w", err)
	}
	if itemCount > uint64(len(data)) {
		return nil, nil, errors.New("update item count exceeds payload size")
	}

	items := make([]*item, 0, itemCount)
	for i := uint64(0); i < itemCount; i++ {
		it := &item{}
		if it.id.Client, err = r.uvarint(); err != nil {
			return nil, nil, fmt.Errorf("item client: %w", err)
		}
		if it.id.Clock, err = r.uvarint(); err != nil {
			return nil, nil, fmt.Errorf("item clock: %w", err)
		}
		flag, err := r.bytes(1)
		if err != nil {
			return nil, nil, fmt.Errorf("item origin flag: %w", err)
		}
		switch flag[0] {
		case 1:
			it.hasOrigin = true
			if it.origin.Client, err = r.uvarint(); err != nil {
				return nil, nil, fmt.Errorf("item origin client: %w", err)
			}
			if it.origin.Clock, err = r.uvarint(); err != nil {
				return nil, nil, fmt.Errorf("item origin clock: %w", err)
			}
		case 0:
		default:
			return nil, nil, fmt.Errorf("invalid origin flag %d", flag[0])
		}
		contentLen, err := r.uvarint()
		if err != nil {
			return nil, nil, fmt.Errorf("item content length: %w", err)
		}
		content, err := r.bytes(contentLen)
		if err != nil {
			return nil, nil, fmt.Errorf("item content: %w", err)
		}
		it.content = string(content)
		items = append(items, it)
	}

	deleteCount, err := r.uvarint()
	if err != nil {
		return nil, nil, fmt.Errorf("update delete count: %w", err)
	}
	if deleteCount > uint64(len(data)) {
		return nil, nil, errors.New("update delete count exceeds payload size")
	}

	deletes := make([]ID, 0, deleteCount)
	for i := uint64(0); i < deleteCount; i++ {
		var id ID
		if id.Client, err = r.uvarint(); err != nil {
			return nil, nil, fmt.Errorf("delete client: %w", err)
		}
		if id.Clock, err = r.uvarint(); err != nil {
			return nil, nil, fmt.Errorf("delete clock: %w", err)
		}
		deletes = append(deletes, id)
	}

	if !r.done() {
		return nil, nil, errors.New("trailing bytes after update")
	}
	return items, deletes, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	buf := appendUvarint(nil, uint64(len(sv)))
	// Deterministic output: sort clients.
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sortUint64s(clients)
	for _, c := range clients {
		buf = appendUvarint(buf, c)
		buf = appendUvarint(buf, sv[c])
	}
	return buf
}

func decodeStateVector(data []byte) (map[uint64]uint64, error) {
	r := &byteReader{buf: data}
	count, err := r.uvarint()
	if err != nil {
		return nil, fmt.Errorf("state vector count: %w", err)
	}
	if count > uint64(len(data)) {
		return nil, errors.New("state vector count exceeds payload size")
	}
	sv := make(map[uint64]uint64, count)
	for i := uint64(0); i < count; i++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("state vector client: %w", err)
		}
		next, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("state vector clock: %w", err)
		}
		sv[client] = next
	}
	if !r.done() {
		return nil, errors.New("trailing bytes after state vector")
	}
	return sv, nil
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
