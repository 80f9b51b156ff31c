// Package keygen issues license keys of the form PREFIX-YEAR-XXXXXXXXXXXXXXXX.
package keygen

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/pkg/models"
)

// Alphabet leaves out O, 0, I and 1 so keys survive being read aloud or
// retyped. 32 symbols means each random byte maps to one symbol without bias.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultPrefix      = "LS"
	DefaultMaxAttempts = 10
	suffixLen          = 16
)

// ErrGenerationExhausted means every candidate collided with an existing key.
var ErrGenerationExhausted = errors.New("license key generation exhausted")

// Lookup is the read side of the store the generator checks candidates against.
type Lookup interface {
	Get(ctx context.Context, key string) (*models.License, error)
}

type Generator struct {
	lookup      Lookup
	prefix      string
	maxAttempts int
	pattern     *regexp.Regexp

	// overridable in tests
	random io.Reader
	now    func() time.Time
}

// New creates a Generator. Empty prefix and non-positive maxAttempts fall
// back to the defaults.
func New(lookup Lookup, prefix string, maxAttempts int) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{
		lookup:      lookup,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		pattern:     Pattern(prefix),
		random:      rand.Reader,
		now:         time.Now,
	}
}

// Generate returns a key that did not exist in the store at the time of the
// check. The caller's Create still has to handle store.ErrDuplicateKey.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	for range g.maxAttempts {
		key, err := g.Candidate()
		if err != nil {
			return "", err
		}
		_, err = g.lookup.Get(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return key, nil
		case err != nil:
			return "", fmt.Errorf("check key: %w", err)
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrGenerationExhausted, g.maxAttempts)
}

// Candidate builds one key without checking the store.
func (g *Generator) Candidate() (string, error) {
	buf := make([]byte, suffixLen)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return g.prefix + "-" + strconv.Itoa(g.now().Year()) + "-" + string(buf), nil
}

// Valid reports whether key has this generator's format.
func (g *Generator) Valid(key string) bool {
	return g.pattern.MatchString(key)
}

// Pattern returns the key format for prefix. The suffix accepts any
// uppercase alphanumeric, not only Alphabet, so imported keys validate too.
func Pattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-\d{4}-[A-Z0-9]{16}$`)
}
