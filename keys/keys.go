// Package keys implements the keelson key grammar.
//
// Pub/sub keys have the shape
//
//	{base_path}/@v0/{entity_id}/pubsub/{subject}/{source_id...}[/@target/{target_id}]
//
// and RPC keys
//
//	{base_path}/@v0/{entity_id}/@rpc/{procedure}/{responder_id...}
package keys

import (
	"errors"
	"fmt"
	"strings"
)

const (
	versionTag = "@v0"
	pubsubTag  = "pubsub"
	rpcTag     = "@rpc"
	targetTag  = "@target"
)

// ErrMalformedKey is returned when a key does not follow the grammar.
var ErrMalformedKey = errors.New("malformed key")

// PubSubKey is a parsed pub/sub key.
type PubSubKey struct {
	BasePath string
	EntityID string
	Subject  string
	SourceID string
	TargetID string
}

// String rebuilds the key.
func (k PubSubKey) String() string {
	key := ConstructPubSubKey(k.BasePath, k.EntityID, k.Subject, k.SourceID)
	if k.TargetID != "" {
		key = WithTarget(key, k.TargetID)
	}
	return key
}

// RPCKey is a parsed RPC key.
type RPCKey struct {
	BasePath    string
	EntityID    string
	Procedure   string
	ResponderID string
}

func (k RPCKey) String() string {
	return ConstructRPCKey(k.BasePath, k.EntityID, k.Procedure, k.ResponderID)
}

// ConstructPubSubKey joins the parts of a pub/sub key.
func ConstructPubSubKey(basePath, entityID, subject, sourceID string) string {
	return strings.Join([]string{basePath, versionTag, entityID, pubsubTag, subject, sourceID}, "/")
}

// ConstructRPCKey joins the parts of an RPC key.
func ConstructRPCKey(basePath, entityID, procedure, responderID string) string {
	return strings.Join([]string{basePath, versionTag, entityID, rpcTag, procedure, responderID}, "/")
}

// WithTarget appends a target suffix to a key.
func WithTarget(key, targetID string) string {
	return key + "/" + targetTag + "/" + targetID
}

// ParsePubSubKey splits a pub/sub key into its parts.
func ParsePubSubKey(key string) (PubSubKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) < 6 {
		return PubSubKey{}, fmt.Errorf("%w: %q has %d parts, need at least 6", ErrMalformedKey, key, len(parts))
	}
	if parts[1] != versionTag || parts[3] != pubsubTag {
		return PubSubKey{}, fmt.Errorf("%w: %q is not a pubsub key", ErrMalformedKey, key)
	}

	k := PubSubKey{
		BasePath: parts[0],
		EntityID: parts[2],
		Subject:  parts[4],
	}
	if k.BasePath == "" || k.EntityID == "" || k.Subject == "" {
		return PubSubKey{}, fmt.Errorf("%w: %q has empty segments", ErrMalformedKey, key)
	}

	source := parts[5:]
	for i, p := range source {
		if p != targetTag {
			continue
		}
		if i != len(source)-2 || source[i+1] == "" {
			return PubSubKey{}, fmt.Errorf("%w: %q has a misplaced target", ErrMalformedKey, key)
		}
		k.TargetID = source[i+1]
		source = source[:i]
		break
	}
	k.SourceID = strings.Join(source, "/")
	if k.SourceID == "" {
		return PubSubKey{}, fmt.Errorf("%w: %q has no source id", ErrMalformedKey, key)
	}
	return k, nil
}

// SubjectOf returns the subject carried by a pub/sub key.
func SubjectOf(key string) (string, error) {
	k, err := ParsePubSubKey(key)
	if err != nil {
		return "", err
	}
	return k.Subject, nil
}

// ParseRPCKey splits an RPC key into its parts.
func ParseRPCKey(key string) (RPCKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) < 6 {
		return RPCKey{}, fmt.Errorf("%w: %q has %d parts, need at least 6", ErrMalformedKey, key, len(parts))
	}
	if parts[1] != versionTag || parts[3] != rpcTag {
		return RPCKey{}, fmt.Errorf("%w: %q is not an rpc key", ErrMalformedKey, key)
	}
	k := RPCKey{
		BasePath:    parts[0],
		EntityID:    parts[2],
		Procedure:   parts[4],
		ResponderID: strings.Join(parts[5:], "/"),
	}
	if k.Procedure == "" || k.ResponderID == "" {
		return RPCKey{}, fmt.Errorf("%w: %q has empty segments", ErrMalformedKey, key)
	}
	return k, nil
}
