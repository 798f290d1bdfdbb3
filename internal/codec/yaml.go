package codec

import "gopkg.in/yaml.v3"

type yamlCodec struct{}

// YAML returns a YAML 1.2 codec. Content-Type: application/x-yaml
func YAML() Codec { return yamlCodec{} }

func (yamlCodec) ContentType() string                { return ContentTypeYAML }
func (yamlCodec) ContentEncoding() string            { return "utf-8" }
func (yamlCodec) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (yamlCodec) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }
