// Package catalog holds the process-wide schema and channel catalogs.
//
// Both catalogs are append-only and discover entries lazily. A definition
// is fixed the first time its subject or topic is seen and outlives every
// output file. The catalogs are owned by the recording loop and are not
// safe for concurrent use.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Encoding tags a schema definition.
type Encoding int

const (
	// SelfDescribing schemas carry no descriptor; payloads are opaque.
	SelfDescribing Encoding = iota
	// StructuredBinary schemas carry a protobuf FileDescriptorSet.
	StructuredBinary
)

// String returns the container schema encoding name.
func (e Encoding) String() string {
	if e == StructuredBinary {
		return "protobuf"
	}
	return ""
}

// MessageEncoding is the encoding of every recorded message.
const MessageEncoding = "protobuf"

// ErrUnknownSubject is returned when a channel refers to a subject that
// has no schema yet.
var ErrUnknownSubject = errors.New("subject has no schema")

// SchemaDefinition describes the schema of one subject.
type SchemaDefinition struct {
	Subject  string
	Name     string
	Encoding Encoding
	Data     []byte
}

// Clone returns a deep copy.
func (d SchemaDefinition) Clone() SchemaDefinition {
	d.Data = slices.Clone(d.Data)
	return d
}

// ChannelDefinition binds a topic key to a subject.
type ChannelDefinition struct {
	Topic           string
	MessageEncoding string
	Subject         string
}

// Resolver looks up well-known subjects.
type Resolver interface {
	IsWellKnown(subject string) bool
	DescriptorOf(subject string) (name string, data []byte, err error)
}

// Schemas maps subjects to schema definitions.
type Schemas struct {
	resolver Resolver
	logger   *slog.Logger
	order    []string
	defs     map[string]SchemaDefinition
}

// NewSchemas creates a schema catalog. A nil resolver treats every
// subject as unknown.
func NewSchemas(resolver Resolver, logger *slog.Logger) *Schemas {
	if logger == nil {
		logger = slog.Default().With("component", "catalog")
	}
	return &Schemas{
		resolver: resolver,
		logger:   logger,
		defs:     make(map[string]SchemaDefinition),
	}
}

// Ensure returns the definition for subject, creating it on first sight.
// The boolean reports whether the definition was created by this call.
func (s *Schemas) Ensure(subject string) (SchemaDefinition, bool) {
	if def, ok := s.defs[subject]; ok {
		return def.Clone(), false
	}

	def := s.resolve(subject)
	s.defs[subject] = def
	s.order = append(s.order, subject)
	s.logger.Debug("schema registered", "subject", subject, "name", def.Name, "encoding", def.Encoding.String())
	return def.Clone(), true
}

func (s *Schemas) resolve(subject string) SchemaDefinition {
	selfDescribing := SchemaDefinition{Subject: subject, Name: subject, Encoding: SelfDescribing}
	if s.resolver == nil || !s.resolver.IsWellKnown(subject) {
		return selfDescribing
	}
	name, data, err := s.resolver.DescriptorOf(subject)
	if err != nil {
		s.logger.Warn("well-known subject has no descriptor, recording as opaque", "subject", subject, "error", err)
		return selfDescribing
	}
	return SchemaDefinition{
		Subject:  subject,
		Name:     name,
		Encoding: StructuredBinary,
		Data:     slices.Clone(data),
	}
}

// Get returns the definition for subject if present.
func (s *Schemas) Get(subject string) (SchemaDefinition, bool) {
	def, ok := s.defs[subject]
	if !ok {
		return SchemaDefinition{}, false
	}
	return def.Clone(), true
}

// Len returns the number of definitions.
func (s *Schemas) Len() int {
	return len(s.order)
}

// All calls fn for every definition in insertion order until fn returns false.
func (s *Schemas) All(fn func(SchemaDefinition) bool) {
	for _, subject := range s.order {
		if !fn(s.defs[subject].Clone()) {
			return
		}
	}
}

// Channels maps topic keys to channel definitions.
type Channels struct {
	schemas *Schemas
	order   []string
	defs    map[string]ChannelDefinition
}

// NewChannels creates a channel catalog bound to schemas.
func NewChannels(schemas *Schemas) *Channels {
	return &Channels{
		schemas: schemas,
		defs:    make(map[string]ChannelDefinition),
	}
}

// Ensure returns the definition for topic, creating it on first sight.
// The subject must already have a schema. A topic stays bound to the
// subject it was first seen with.
func (c *Channels) Ensure(topic, subject string) (ChannelDefinition, bool, error) {
	if def, ok := c.defs[topic]; ok {
		return def, false, nil
	}
	if _, ok := c.schemas.defs[subject]; !ok {
		return ChannelDefinition{}, false, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}

	def := ChannelDefinition{
		Topic:           topic,
		MessageEncoding: MessageEncoding,
		Subject:         subject,
	}
	c.defs[topic] = def
	c.order = append(c.order, topic)
	return def, true, nil
}

// Get returns the definition for topic if present.
func (c *Channels) Get(topic string) (ChannelDefinition, bool) {
	def, ok := c.defs[topic]
	return def, ok
}

// Len returns the number of definitions.
func (c *Channels) Len() int {
	return len(c.order)
}

// All calls fn for every definition in insertion order until fn returns false.
func (c *Channels) All(fn func(ChannelDefinition) bool) {
	for _, topic := range c.order {
		if !fn(c.defs[topic]) {
			return
		}
	}
}
