package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// DefaultPattern is the default strftime file name pattern.
const DefaultPattern = "%Y-%m-%d_%H%M%S"

// Suffix is appended to every recording.
const Suffix = ".mcap"

// maxCollisions bounds the _N suffixes tried for one name.
const maxCollisions = 10000

// FormatName expands a strftime pattern for t. Besides the strftime codes,
// %f expands to six-digit microseconds.
func FormatName(pattern string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i+1 >= len(pattern) {
			b.WriteByte(c)
			continue
		}
		next := pattern[i+1]
		switch next {
		case 'f':
			fmt.Fprintf(&b, "%06d", t.Nanosecond()/1000)
		default:
			b.WriteByte(c)
			b.WriteByte(next)
		}
		i++
	}
	return strftime.Format(b.String(), t)
}

var openFile = os.OpenFile

// createUnique creates dir/name+Suffix exclusively, adding _1, _2, ...
// before the suffix if the name is taken.
func createUnique(dir, name string) (*os.File, string, error) {
	name = strings.TrimSuffix(name, Suffix)
	for i := 0; i < maxCollisions; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", name, i)
		}
		path := filepath.Join(dir, candidate+Suffix)
		f, err := openFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, path, err
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s after %d attempts", name, maxCollisions)
}
