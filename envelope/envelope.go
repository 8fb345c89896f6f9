// Package envelope encodes and decodes the keelson envelope, a protobuf
// message carrying an enclosure timestamp and an opaque payload:
//
//	message Envelope {
//	    google.protobuf.Timestamp enclosed_at = 1;
//	    bytes payload = 2;
//	}
package envelope

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	fieldEnclosedAt protowire.Number = 1
	fieldPayload    protowire.Number = 2
)

// ErrDecode is the sentinel wrapped by every DecodeError.
var ErrDecode = errors.New("envelope decode failed")

// DecodeError reports bytes that are not a valid envelope.
type DecodeError struct {
	Raw    []byte
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "envelope: " + e.Reason + ": " + e.Err.Error()
	}
	return "envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

// Envelope is a decoded envelope.
type Envelope struct {
	EnclosedAt time.Time
	Payload    []byte
}

// Enclose wraps payload with the given enclosure time.
func Enclose(payload []byte, enclosedAt time.Time) ([]byte, error) {
	ts, err := proto.Marshal(timestamppb.New(enclosedAt))
	if err != nil {
		return nil, fmt.Errorf("marshal timestamp: %w", err)
	}
	b := make([]byte, 0, len(ts)+len(payload)+16)
	b = protowire.AppendTag(b, fieldEnclosedAt, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	if len(payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// EncloseNow wraps payload stamped with the current time.
func EncloseNow(payload []byte) ([]byte, error) {
	return Enclose(payload, time.Now())
}

// Open decodes an envelope. Unknown fields are skipped. The returned
// payload aliases data.
func Open(data []byte) (Envelope, error) {
	var (
		env   Envelope
		stamp []byte
		found bool
	)

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, &DecodeError{Raw: data, Reason: "invalid tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		switch {
		case num == fieldEnclosedAt && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, &DecodeError{Raw: data, Reason: "invalid enclosed_at", Err: protowire.ParseError(m)}
			}
			// last one wins, like proto merge of a scalar-bytes field
			stamp, found = v, true
			b = b[m:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, &DecodeError{Raw: data, Reason: "invalid payload", Err: protowire.ParseError(m)}
			}
			env.Payload = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Envelope{}, &DecodeError{Raw: data, Reason: "invalid field", Err: protowire.ParseError(m)}
			}
			b = b[m:]
		}
	}

	if !found {
		return Envelope{}, &DecodeError{Raw: data, Reason: "missing enclosed_at"}
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(stamp, &ts); err != nil {
		return Envelope{}, &DecodeError{Raw: data, Reason: "invalid enclosed_at", Err: err}
	}
	if err := ts.CheckValid(); err != nil {
		return Envelope{}, &DecodeError{Raw: data, Reason: "invalid enclosed_at", Err: err}
	}
	env.EnclosedAt = ts.AsTime()
	return env, nil
}

// Uncover decodes an envelope and stamps it with the time of receipt.
func Uncover(data []byte) (receivedAt, enclosedAt time.Time, payload []byte, err error) {
	receivedAt = time.Now()
	env, err := Open(data)
	if err != nil {
		return receivedAt, time.Time{}, nil, err
	}
	return receivedAt, env.EnclosedAt, env.Payload, nil
}
