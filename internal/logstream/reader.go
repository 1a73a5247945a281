package logstream

const defaultReadBatch = 64

// Reader is a forward cursor over a Log. It is not safe for concurrent use;
// each consumer owns its own Reader.
type Reader struct {
	log   *Log
	next  int64
	batch int
	buf   []Entry
}

// Seek positions the reader so the next entry returned is the first one at or
// after position.
func (r *Reader) Seek(position int64) {
	if position < 1 {
		position = 1
	}
	r.next = position
	r.buf = r.buf[:0]
}

// SeekToEnd positions the reader immediately after the last committed entry
// and returns that position. Entries appended afterwards are returned by Next.
func (r *Reader) SeekToEnd() int64 {
	r.Seek(r.log.LastPosition() + 1)
	return r.next
}

// Position returns the position of the next entry to be read.
func (r *Reader) Position() int64 {
	return r.next
}

// Next returns the next committed entry, or false when the reader is caught up.
func (r *Reader) Next() (Entry, bool, error) {
	if len(r.buf) == 0 {
		entries, err := r.log.Read(r.next, r.batch)
		if err != nil {
			return Entry{}, false, err
		}
		if len(entries) == 0 {
			return Entry{}, false, nil
		}
		r.buf = entries
	}

	e := r.buf[0]
	r.buf = r.buf[1:]
	r.next = e.Position + 1
	return e, true, nil
}
