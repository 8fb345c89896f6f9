package nats

import (
	"fmt"
	"strings"

	"github.com/rbaliyan/recorder/transport"
)

// SubjectOf maps a key to a NATS subject: chunks are joined by '.'
// instead of '/'. Keys whose chunks contain '.', '>' or whitespace cannot
// be mapped.
func SubjectOf(key string) (string, error) {
	if err := transport.ValidateKey(key); err != nil {
		return "", err
	}
	if strings.ContainsAny(key, ".> \t\r\n") {
		return "", fmt.Errorf("%w: %q cannot be carried as a NATS subject", transport.ErrInvalidKey, key)
	}
	return strings.ReplaceAll(key, "/", "."), nil
}

// KeyOf maps a NATS subject back to a key.
func KeyOf(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// SubjectsFor returns the NATS subjects that together cover every key
// matching pattern. They may cover more; deliveries are filtered with the
// pattern's Matcher.
//
// A chunk containing '*' becomes a NATS '*' token. The first "**" chunk
// truncates the subject with '>', and since "**" also matches zero
// chunks, the prefix before it is subscribed as well.
func SubjectsFor(pattern string) ([]string, error) {
	if _, err := transport.Compile(pattern); err != nil {
		return nil, err
	}
	if strings.ContainsAny(pattern, ".> \t\r\n") {
		return nil, fmt.Errorf("%w: %q cannot be carried as a NATS subject", transport.ErrInvalidPattern, pattern)
	}

	chunks := strings.Split(pattern, "/")
	tokens := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk == "**" {
			if len(tokens) == 0 {
				return []string{">"}, nil
			}
			prefix := strings.Join(tokens, ".")
			return []string{prefix, prefix + ".>"}, nil
		}
		if strings.Contains(chunk, "*") {
			chunk = "*"
		}
		tokens = append(tokens, chunk)
	}
	return []string{strings.Join(tokens, ".")}, nil
}
