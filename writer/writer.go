// Package writer owns the on-disk recording: a sequence of MCAP files,
// each self-contained, rotated by a rotation.Policy.
//
// Every file starts with a header and a replay of the schema and channel
// catalogs under fresh file-local ids. Ids are never carried across files;
// identity is the subject name and the topic key.
package writer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/foxglove/mcap/go/mcap"
	"github.com/rbaliyan/recorder/catalog"
	"github.com/rbaliyan/recorder/rotation"
)

// Errors
var (
	ErrOpen    = errors.New("open recording failed")
	ErrWrite   = errors.New("write recording failed")
	ErrClose   = errors.New("close recording failed")
	ErrNotOpen = errors.New("no recording open")
)

// Profile is the MCAP profile of every file.
const Profile = "keelson"

// MetadataName names the metadata record describing each file.
const MetadataName = "recording"

// firstSchemaID is the lowest usable schema id; 0 means "no schema".
const firstSchemaID uint16 = 1

// countingWriter counts the bytes handed to the container writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Writer writes recordings. It is used from a single goroutine, except
// RequestRotation which may be called from anywhere.
type Writer struct {
	opts     *options
	schemas  *catalog.Schemas
	channels *catalog.Channels
	policy   *rotation.Policy
	sequence int

	// per-file state, reset on open
	file          *os.File
	buf           *bufio.Writer
	counter       *countingWriter
	mw            *mcap.Writer
	path          string
	openedAt      time.Time
	openReason    rotation.Reason
	schemaIDs     map[string]uint16
	channelIDs    map[string]uint16
	channelSeq    map[uint16]uint32
	nextSchemaID  uint16
	nextChannelID uint16
	messages      uint64
}

// New creates a writer over shared catalogs. No file is opened until Open.
func New(schemas *catalog.Schemas, channels *catalog.Channels, opts ...Option) *Writer {
	o := newOptions(opts...)

	policyOpts := []rotation.Option{rotation.WithClock(o.now)}
	if o.overhead != nil {
		policyOpts = append(policyOpts, rotation.WithMessageOverhead(*o.overhead))
	}

	return &Writer{
		opts:     o,
		schemas:  schemas,
		channels: channels,
		policy:   rotation.NewPolicy(o.rotation, policyOpts...),
	}
}

// Open creates the first file.
func (w *Writer) Open() error {
	return w.open(rotation.Start)
}

func (w *Writer) open(reason rotation.Reason) error {
	if w.mw != nil {
		return fmt.Errorf("%w: %s is still open", ErrOpen, w.path)
	}
	if err := os.MkdirAll(w.opts.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}

	now := w.opts.now()
	f, path, err := createUnique(w.opts.dir, FormatName(w.opts.pattern, now))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}

	buf := bufio.NewWriter(f)
	counter := &countingWriter{w: buf}
	mw, err := mcap.NewWriter(counter, &mcap.WriterOptions{
		Chunked:     w.opts.chunkSize > 0,
		ChunkSize:   w.opts.chunkSize,
		Compression: mcap.CompressionNone,
	})
	if err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}

	w.file, w.buf, w.counter, w.mw = f, buf, counter, mw
	w.path = path
	w.openedAt = now
	w.openReason = reason
	w.schemaIDs = make(map[string]uint16)
	w.channelIDs = make(map[string]uint16)
	w.channelSeq = make(map[uint16]uint32)
	w.nextSchemaID = firstSchemaID
	w.nextChannelID = 0
	w.messages = 0

	if err := w.start(w.sequence + 1); err != nil {
		w.abandon()
		return fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}
	w.sequence++
	w.policy.Reset()

	w.opts.logger.Info("opened recording", "path", path, "reason", reason.String(),
		"schemas", len(w.schemaIDs), "channels", len(w.channelIDs))
	if next := w.policy.NextBoundary(); !next.IsZero() {
		w.opts.logger.Debug("next time-based rotation", "at", next)
	}
	return nil
}

// start writes the header, the file metadata and the catalog replay.
func (w *Writer) start(sequence int) error {
	if err := w.mw.WriteHeader(&mcap.Header{Profile: Profile, Library: w.opts.library}); err != nil {
		return err
	}
	if err := w.mw.WriteMetadata(&mcap.Metadata{
		Name: MetadataName,
		Metadata: map[string]string{
			"session_id": w.opts.sessionID,
			"sequence":   strconv.Itoa(sequence),
			"opened_at":  w.openedAt.UTC().Format(time.RFC3339Nano),
			"reason":     w.openReason.String(),
		},
	}); err != nil {
		return err
	}

	var err error
	w.schemas.All(func(def catalog.SchemaDefinition) bool {
		err = w.registerSchema(def)
		return err == nil
	})
	if err != nil {
		return err
	}
	w.channels.All(func(def catalog.ChannelDefinition) bool {
		err = w.registerChannel(def)
		return err == nil
	})
	return err
}

// abandon closes and removes a file whose start failed.
func (w *Writer) abandon() {
	w.file.Close()
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.opts.logger.Warn("failed to remove partial recording", "path", w.path, "error", err)
	}
	w.file, w.buf, w.counter, w.mw = nil, nil, nil, nil
	w.path = ""
}

func (w *Writer) registerSchema(def catalog.SchemaDefinition) error {
	id := w.nextSchemaID
	if err := w.mw.WriteSchema(&mcap.Schema{
		ID:       id,
		Name:     def.Name,
		Encoding: def.Encoding.String(),
		Data:     def.Data,
	}); err != nil {
		return err
	}
	w.nextSchemaID++
	w.schemaIDs[def.Subject] = id
	return nil
}

func (w *Writer) registerChannel(def catalog.ChannelDefinition) error {
	schemaID, ok := w.schemaIDs[def.Subject]
	if !ok {
		return fmt.Errorf("channel %s refers to unregistered subject %s", def.Topic, def.Subject)
	}
	id := w.nextChannelID
	if err := w.mw.WriteChannel(&mcap.Channel{
		ID:              id,
		SchemaID:        schemaID,
		Topic:           def.Topic,
		MessageEncoding: def.MessageEncoding,
		Metadata:        map[string]string{},
	}); err != nil {
		return err
	}
	w.nextChannelID++
	w.channelIDs[def.Topic] = id
	return nil
}

// EnsureSchema makes sure subject has a schema in the catalog and in the
// current file, and returns its file-local id.
func (w *Writer) EnsureSchema(subject string) (uint16, error) {
	if w.mw == nil {
		return 0, ErrNotOpen
	}
	def, _ := w.schemas.Ensure(subject)
	if id, ok := w.schemaIDs[subject]; ok {
		return id, nil
	}
	if err := w.registerSchema(def); err != nil {
		return 0, fmt.Errorf("%w: schema %s: %w", ErrWrite, subject, err)
	}
	return w.schemaIDs[subject], nil
}

// EnsureChannel makes sure topic has a channel bound to subject in the
// catalog and in the current file, and returns its file-local id.
func (w *Writer) EnsureChannel(topic, subject string) (uint16, error) {
	if _, err := w.EnsureSchema(subject); err != nil {
		return 0, err
	}
	def, _, err := w.channels.Ensure(topic, subject)
	if err != nil {
		return 0, err
	}
	if id, ok := w.channelIDs[topic]; ok {
		return id, nil
	}
	if err := w.registerChannel(def); err != nil {
		return 0, fmt.Errorf("%w: channel %s: %w", ErrWrite, topic, err)
	}
	return w.channelIDs[topic], nil
}

// ChannelID returns the file-local id of topic in the current file.
func (w *Writer) ChannelID(topic string) (uint16, bool) {
	id, ok := w.channelIDs[topic]
	return id, ok
}

// WriteMessage appends one message to the current file.
func (w *Writer) WriteMessage(channelID uint16, receivedAt, enclosedAt time.Time, payload []byte) error {
	if w.mw == nil {
		return ErrNotOpen
	}
	seq := w.channelSeq[channelID]
	if err := w.mw.WriteMessage(&mcap.Message{
		ChannelID:   channelID,
		Sequence:    seq,
		LogTime:     toNanos(receivedAt),
		PublishTime: toNanos(enclosedAt),
		Data:        payload,
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, w.path, err)
	}
	w.channelSeq[channelID] = seq + 1
	w.messages++
	w.policy.Add(len(payload))
	return nil
}

// ShouldRotate evaluates the rotation triggers. pending tells whether a
// message is about to be written.
func (w *Writer) ShouldRotate(pending bool) rotation.Reason {
	return w.policy.Check(pending)
}

// RequestRotation asks for a rotation before the next message. It is
// safe to call from any goroutine.
func (w *Writer) RequestRotation() {
	w.policy.Request()
}

// Rotate finalizes the current file and opens the next one.
func (w *Writer) Rotate(reason rotation.Reason) error {
	w.opts.logger.Info("rotating recording", "reason", reason.String(), "path", w.path)
	if err := w.close(reason); err != nil {
		return err
	}
	return w.open(reason)
}

// Close finalizes the current file. Further calls are no-ops until the
// next Open.
func (w *Writer) Close() error {
	return w.close(rotation.Shutdown)
}

func (w *Writer) close(reason rotation.Reason) error {
	if w.mw == nil {
		return nil
	}

	var errs []error
	if err := w.mw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("finalize: %w", err))
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	info := FileInfo{
		Path:        w.path,
		SessionID:   w.opts.sessionID,
		Sequence:    w.sequence,
		OpenedAt:    w.openedAt,
		ClosedAt:    w.opts.now(),
		Messages:    w.messages,
		Bytes:       w.counter.n,
		Schemas:     len(w.schemaIDs),
		Channels:    len(w.channelIDs),
		OpenReason:  w.openReason,
		CloseReason: reason,
	}
	w.file, w.buf, w.counter, w.mw = nil, nil, nil, nil

	if err := errors.Join(errs...); err != nil {
		w.opts.logger.Error("failed to close recording", "path", info.Path, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrClose, info.Path, err)
	}

	w.opts.logger.Info("closed recording", "path", info.Path, "messages", info.Messages,
		"bytes", info.Bytes, "reason", reason.String())
	w.opts.onClose(info)
	return nil
}

// IsOpen reports whether a file is open.
func (w *Writer) IsOpen() bool {
	return w.mw != nil
}

// Path returns the current file path.
func (w *Writer) Path() string {
	return w.path
}

// Sequence returns the number of files opened so far.
func (w *Writer) Sequence() int {
	return w.sequence
}

// Size returns the bytes written to the current file so far.
func (w *Writer) Size() int64 {
	if w.counter == nil {
		return 0
	}
	return w.counter.n
}

// SessionID returns the id shared by every file of this writer.
func (w *Writer) SessionID() string {
	return w.opts.sessionID
}

func toNanos(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}
