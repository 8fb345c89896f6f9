package envelope

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"syreclabs.com/go/faker"
)

func TestEncloseOpen(t *testing.T) {
	faker.Seed(time.Now().UnixNano())
	payload := []byte(faker.Lorem().String())
	at := time.Date(2024, 5, 17, 12, 30, 15, 123456789, time.UTC)

	data, err := Enclose(payload, at)
	if err != nil {
		t.Fatalf("Enclose failed: %v", err)
	}

	env, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !env.EnclosedAt.Equal(at) {
		t.Errorf("EnclosedAt = %v, want %v", env.EnclosedAt, at)
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Errorf("payload mismatch")
	}
}

func TestOpenEmptyPayload(t *testing.T) {
	data, err := EncloseNow(nil)
	if err != nil {
		t.Fatalf("EncloseNow failed: %v", err)
	}
	env, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(env.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(env.Payload))
	}
}

func TestOpenSkipsUnknownFields(t *testing.T) {
	data, err := Enclose([]byte("hello"), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Enclose failed: %v", err)
	}
	data = protowire.AppendTag(data, 9, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)

	env, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(env.Payload) != "hello" {
		t.Errorf("payload = %q", env.Payload)
	}
}

func TestOpenInvalid(t *testing.T) {
	noStamp := protowire.AppendTag(nil, fieldPayload, protowire.BytesType)
	noStamp = protowire.AppendBytes(noStamp, []byte("x"))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"truncated", []byte{0x12, 0x05, 'a'}},
		{"missing timestamp", noStamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.data)
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if !bytes.Equal(de.Raw, tt.data) {
				t.Errorf("DecodeError.Raw does not carry the input")
			}
		})
	}
}

func TestUncover(t *testing.T) {
	at := time.Now().Add(-time.Second)
	data, err := Enclose([]byte{1, 2, 3}, at)
	if err != nil {
		t.Fatalf("Enclose failed: %v", err)
	}
	before := time.Now()
	received, enclosed, payload, err := Uncover(data)
	if err != nil {
		t.Fatalf("Uncover failed: %v", err)
	}
	if received.Before(before) {
		t.Errorf("receipt time %v precedes call", received)
	}
	if !enclosed.Equal(at) {
		t.Errorf("enclosed = %v, want %v", enclosed, at)
	}
	if !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Errorf("payload = %v", payload)
	}
}
