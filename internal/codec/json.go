package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

type jsonCodec struct{}

// JSON returns a JSON codec (RFC 8259). Numbers decode as json.Number so
// integers survive without float rounding.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string           { return ContentTypeJSON }
func (jsonCodec) ContentEncoding() string       { return "utf-8" }
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after top-level value")
	}
	return nil
}
