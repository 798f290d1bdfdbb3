package cliutil

import (
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/protocol"
)

// ProtocolConfig selects how a service encodes and decodes task messages.
type ProtocolConfig struct {
	Version     int    // protocol_version: 1 or 2
	ContentType string // content_type used when encoding
	Timezone    string // timezone for naive v1 timestamps, empty means local
	Origin      string // origin header on v2 messages, usually the hostname
}

// NewEncoder builds a protocol encoder over codecs.
func (c ProtocolConfig) NewEncoder(codecs *codec.Registry) (*protocol.Encoder, error) {
	opts := []protocol.EncoderOption{}
	switch c.Version {
	case 0, 2:
		opts = append(opts, protocol.WithVersion(domain.ProtocolV2))
	case 1:
		opts = append(opts, protocol.WithVersion(domain.ProtocolV1))
	default:
		return nil, fmt.Errorf("protocol_version %d: must be 1 or 2", c.Version)
	}
	if c.ContentType != "" {
		if _, err := codecs.Lookup(c.ContentType); err != nil {
			return nil, fmt.Errorf("content_type: %w", err)
		}
		opts = append(opts, protocol.WithContentType(c.ContentType))
	}
	if c.Origin != "" {
		opts = append(opts, protocol.WithOrigin(c.Origin))
	}
	return protocol.NewEncoder(codecs, opts...), nil
}

// NewDecoder builds a protocol decoder using the configured timezone.
func (c ProtocolConfig) NewDecoder(codecs *codec.Registry) (*protocol.Decoder, error) {
	if c.Timezone == "" {
		return protocol.NewDecoder(codecs), nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return protocol.NewDecoder(codecs, protocol.WithLocation(loc)), nil
}
