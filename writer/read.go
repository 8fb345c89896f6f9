package writer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/foxglove/mcap/go/mcap"
)

// Summary is the index section of a finalized recording.
type Summary struct {
	Messages        uint64
	Schemas         map[uint16]SchemaRecord
	Channels        map[uint16]ChannelRecord
	ChannelMessages map[string]uint64
}

// SchemaRecord is a schema as stored in a file.
type SchemaRecord struct {
	ID       uint16
	Name     string
	Encoding string
	Data     []byte
}

// ChannelRecord is a channel as stored in a file.
type ChannelRecord struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	MessageEncoding string
}

// Message is a message as stored in a file.
type Message struct {
	Topic       string
	ChannelID   uint16
	Schema      string
	Sequence    uint32
	LogTime     time.Time
	PublishTime time.Time
	Data        []byte
}

// ReadSummary reads the summary of a finalized file.
func ReadSummary(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := mcap.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info, err := r.Info()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s := &Summary{
		Schemas:         make(map[uint16]SchemaRecord, len(info.Schemas)),
		Channels:        make(map[uint16]ChannelRecord, len(info.Channels)),
		ChannelMessages: make(map[string]uint64),
	}
	for id, sc := range info.Schemas {
		s.Schemas[id] = SchemaRecord{ID: sc.ID, Name: sc.Name, Encoding: sc.Encoding, Data: slices.Clone(sc.Data)}
	}
	for id, ch := range info.Channels {
		s.Channels[id] = ChannelRecord{ID: ch.ID, SchemaID: ch.SchemaID, Topic: ch.Topic, MessageEncoding: ch.MessageEncoding}
	}
	if info.Statistics != nil {
		s.Messages = info.Statistics.MessageCount
		for id, n := range info.Statistics.ChannelMessageCounts {
			if ch, ok := info.Channels[id]; ok {
				s.ChannelMessages[ch.Topic] += n
			}
		}
	}
	return s, nil
}

// ReadMessages calls fn for every message of a file in file order. It
// scans the data section and does not need the summary.
func ReadMessages(path string, fn func(Message) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := mcap.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	it, err := r.Messages(mcap.UsingIndex(false))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for {
		schema, channel, msg, err := it.Next(nil)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		m := Message{
			Topic:       channel.Topic,
			ChannelID:   channel.ID,
			Sequence:    msg.Sequence,
			LogTime:     time.Unix(0, int64(msg.LogTime)),
			PublishTime: time.Unix(0, int64(msg.PublishTime)),
			Data:        slices.Clone(msg.Data),
		}
		if schema != nil {
			m.Schema = schema.Name
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}
