package pmdeflate

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/vitalvas/wsext/extension"
)

// maxWindowSize is the largest LZ77 window, 1<<MaxWindowBits bytes.
const maxWindowSize = 1 << MaxWindowBits

var (
	// deflateTail is the empty stored block a sync flush ends with. Senders
	// strip it and receivers append it (RFC 7692, section 7.2.1 and 7.2.2).
	deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

	// inflateTail re-appends the stripped tail followed by a final empty
	// stored block, so the inflater reaches a clean io.EOF.
	inflateTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}
)

// Codec is the permessage-deflate transform of one connection. Encode and
// Decode use separate contexts and may run concurrently with each other.
type Codec struct {
	compressor   *compressor
	decompressor *decompressor
}

var _ extension.Codec = (*Codec)(nil)

// Encode compresses a message payload and reports RSV1.
func (c *Codec) Encode(payload []byte) ([]byte, byte, error) {
	out, err := c.compressor.compress(payload)
	if err != nil {
		return nil, 0, err
	}
	return out, extension.RSV1, nil
}

// Decode inflates a message whose first frame had RSV1 set. Other messages
// pass through untouched and do not enter the sliding window.
func (c *Codec) Decode(payload []byte, rsv byte) ([]byte, error) {
	if rsv&extension.RSV1 == 0 {
		return payload, nil
	}
	return c.decompressor.decompress(payload, 0)
}

// DecodeLimit is Decode with inflation stopped once the output passes limit
// bytes. The tighter of limit and Config.MaxMessageSize applies.
func (c *Codec) DecodeLimit(payload []byte, rsv byte, limit int64) ([]byte, error) {
	if rsv&extension.RSV1 == 0 {
		return payload, nil
	}
	return c.decompressor.decompress(payload, limit)
}

func (c *Codec) Close() error {
	c.compressor.close()
	return c.decompressor.close()
}

type compressor struct {
	level             int
	noContextTakeover bool

	fw  *flate.Writer
	buf bytes.Buffer
}

func newCompressor(level, windowBits int, noContextTakeover bool) *compressor {
	// A reduced window cannot be enforced on the LZ77 matcher; Huffman-only
	// output has no back references and honors any window.
	if windowBits < MaxWindowBits {
		level = flate.HuffmanOnly
	}
	return &compressor{
		level:             level,
		noContextTakeover: noContextTakeover,
	}
}

func (c *compressor) compress(p []byte) ([]byte, error) {
	c.buf.Reset()

	switch {
	case c.fw == nil:
		fw, err := flate.NewWriter(&c.buf, c.level)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", extension.ErrCompression, err)
		}
		c.fw = fw
	case c.noContextTakeover:
		c.fw.Reset(&c.buf)
	}

	if _, err := c.fw.Write(p); err != nil {
		return nil, fmt.Errorf("%w: %w", extension.ErrCompression, err)
	}
	if err := c.fw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", extension.ErrCompression, err)
	}

	out := c.buf.Bytes()
	if !bytes.HasSuffix(out, deflateTail) {
		return nil, fmt.Errorf("%w: flush did not end with an empty stored block", extension.ErrCompression)
	}
	return bytes.Clone(out[:len(out)-len(deflateTail)]), nil
}

func (c *compressor) close() {
	c.fw = nil
	c.buf = bytes.Buffer{}
}

type decompressor struct {
	noContextTakeover bool
	maxSize           int64

	fr   io.ReadCloser
	dict []byte
}

func newDecompressor(noContextTakeover bool, maxSize int64) *decompressor {
	return &decompressor{
		noContextTakeover: noContextTakeover,
		maxSize:           maxSize,
	}
}

// decompress inflates one message of at most limit bytes, or maxSize when
// that is tighter. On error nothing is returned and the context is left
// unusable; the caller must fail the connection.
func (d *decompressor) decompress(p []byte, limit int64) ([]byte, error) {
	src := io.MultiReader(bytes.NewReader(p), bytes.NewReader(inflateTail))

	var dict []byte
	if !d.noContextTakeover {
		dict = d.dict
	}

	if d.fr == nil {
		d.fr = flate.NewReaderDict(src, dict)
	} else if err := d.fr.(flate.Resetter).Reset(src, dict); err != nil {
		return nil, fmt.Errorf("%w: %w", extension.ErrCompression, err)
	}

	if d.maxSize > 0 && (limit <= 0 || d.maxSize < limit) {
		limit = d.maxSize
	}

	var r io.Reader = d.fr
	if limit > 0 {
		r = io.LimitReader(d.fr, limit+1)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", extension.ErrCompression, err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: inflated message exceeds %d bytes", extension.ErrMessageTooBig, limit)
	}

	if !d.noContextTakeover {
		d.remember(out)
	}
	return out, nil
}

// remember keeps the last maxWindowSize bytes of output as the dictionary
// for the next message.
func (d *decompressor) remember(out []byte) {
	if len(out) >= maxWindowSize {
		d.dict = append(d.dict[:0], out[len(out)-maxWindowSize:]...)
		return
	}
	if over := len(d.dict) + len(out) - maxWindowSize; over > 0 {
		d.dict = append(d.dict[:0], d.dict[over:]...)
	}
	d.dict = append(d.dict, out...)
}

func (d *decompressor) close() error {
	var err error
	if d.fr != nil {
		err = d.fr.Close()
		d.fr = nil
	}
	d.dict = nil
	return err
}
