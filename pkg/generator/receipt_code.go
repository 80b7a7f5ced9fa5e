package generator

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	prefix     = "RF"
	maxRetries = 5
)

// Generator issues receipt codes. Codes are prefix + ULID, so they sort by
// issue time and stay unique across terminals.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Generate returns a code like RF01JB3Q6Y9V8W0C7K2N4M5P6R.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.now().UTC()), g.entropy)
	return prefix + id.String()
}

// GenerateUnique retries while exists reports a collision.
func (g *Generator) GenerateUnique(exists func(string) bool) (string, error) {
	for i := 0; i < maxRetries; i++ {
		code := g.Generate()
		if exists == nil || !exists(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique receipt code after %d attempts", maxRetries)
}

// Timestamp extracts the issue time encoded in a code.
func Timestamp(code string) (time.Time, error) {
	if len(code) <= len(prefix) {
		return time.Time{}, fmt.Errorf("invalid receipt code %q", code)
	}
	id, err := ulid.ParseStrict(code[len(prefix):])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid receipt code %q: %w", code, err)
	}
	return ulid.Time(id.Time()), nil
}
