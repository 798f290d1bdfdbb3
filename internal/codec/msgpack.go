package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

type msgpackCodec struct{}

// Msgpack returns a MessagePack codec. Content-Type: application/x-msgpack
func Msgpack() Codec { return msgpackCodec{} }

func (msgpackCodec) ContentType() string           { return ContentTypeMsgpack }
func (msgpackCodec) ContentEncoding() string       { return "binary" }
func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
