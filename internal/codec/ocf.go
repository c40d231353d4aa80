package codec

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/hamba/avro/v2/ocf"

	"github.com/ihippik/flow-radar/internal/sysflow"
)

// Encoder writes records into an Avro object container file.
type Encoder struct {
	enc *ocf.Encoder
}

func NewEncoder(w io.Writer, codec, exporter string) (*Encoder, error) {
	if codec == "" {
		codec = Deflate
	}

	enc, err := ocf.NewEncoder(
		schemaJSON,
		w,
		ocf.WithCodec(ocf.CodecName(codec)),
		ocf.WithMetadata(map[string][]byte{
			MetaExporter: []byte(exporter),
			MetaVersion:  []byte(strconv.FormatInt(sysflow.Version, 10)),
		}),
	)
	if err != nil {
		return nil, &Error{Op: "new encoder", Err: err}
	}

	return &Encoder{enc: enc}, nil
}

func (e *Encoder) Encode(rec sysflow.Record) error {
	v, err := wrap(rec)
	if err != nil {
		return &Error{Op: "encode", Err: err}
	}

	if err := e.enc.Encode(envelope{Rec: v}); err != nil {
		return &Error{Op: "encode", Err: fmt.Errorf("%s: %w", rec.Type(), err)}
	}

	return nil
}

func (e *Encoder) Flush() error {
	if err := e.enc.Flush(); err != nil {
		return &Error{Op: "flush", Err: err}
	}

	return nil
}

// Close flushes pending blocks. The underlying writer stays open.
func (e *Encoder) Close() error {
	if err := e.enc.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}

	return nil
}

// Decoder reads records from an Avro object container file in stream order.
type Decoder struct {
	dec *ocf.Decoder
}

func NewDecoder(r io.Reader) (*Decoder, error) {
	dec, err := ocf.NewDecoder(r)
	if err != nil {
		return nil, &Error{Op: "new decoder", Err: err}
	}

	return &Decoder{dec: dec}, nil
}

// Exporter returns the exporter id stored in the file header.
func (d *Decoder) Exporter() string {
	return string(d.dec.Metadata()[MetaExporter])
}

// Next returns the next record or io.EOF.
func (d *Decoder) Next(ctx context.Context) (sysflow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !d.dec.HasNext() {
		if err := d.dec.Error(); err != nil {
			return nil, &Error{Op: "decode", Err: err}
		}

		return nil, io.EOF
	}

	var env envelope

	if err := d.dec.Decode(&env); err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}

	rec, err := unwrap(env.Rec)
	if err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}

	return rec, nil
}
