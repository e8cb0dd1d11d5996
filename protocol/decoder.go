package protocol

// Decoder accumulates stream bytes across reads and yields complete frames.
type Decoder struct {
	codec   Codec
	pending []byte
	err     error
}

// NewDecoder creates a decoder enforcing maxPayload.
func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{codec: NewCodec(maxPayload)}
}

// Feed appends p to the buffered bytes and returns every frame that is now
// complete. Once Feed reports an error the decoder stays failed and ignores
// further input so no misaligned bytes are ever interpreted as a header.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}

	d.pending = append(d.pending, p...)
	frames, rest, err := d.codec.Decode(d.pending)
	if err != nil {
		d.err = err
		d.pending = nil
		return frames, err
	}

	// Compact so the backing array does not grow without bound.
	if len(rest) == 0 {
		d.pending = d.pending[:0]
	} else if len(rest) < len(d.pending) {
		d.pending = append(d.pending[:0], rest...)
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

// Err returns the sticky decode error, if any.
func (d *Decoder) Err() error {
	return d.err
}
