package sse

import (
	"errors"
	"io"
	"iter"

	"go.uber.org/zap"
)

const readChunkSize = 4 << 10

// Reader pulls events from a byte stream. Next returns io.EOF once a done
// event has been returned or the stream has ended.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	buf     []byte
	pending []Event
	err     error
}

func NewReader(r io.Reader, logger *zap.Logger) *Reader {
	return &Reader{
		r:   r,
		dec: NewDecoder(logger),
		buf: make([]byte, readChunkSize),
	}
}

func (r *Reader) Next() (Event, error) {
	for {
		if len(r.pending) > 0 {
			ev := r.pending[0]
			r.pending = r.pending[1:]
			return ev, nil
		}
		if r.err != nil {
			return Event{}, r.err
		}
		if r.dec.Done() {
			r.err = io.EOF
			continue
		}

		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.pending = append(r.pending, r.dec.Flush()...)
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}
}

// All yields events until the stream ends. A read failure is yielded once
// as the final pair; a clean end of stream yields nothing.
func (r *Reader) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}
