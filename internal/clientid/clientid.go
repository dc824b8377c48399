// Package clientid generates temporary identifiers for entities created
// before the remote store has acknowledged them.
package clientid

import (
	"crypto/rand"
	"io"
	"log"
	mrand "math/rand/v2"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Prefix marks an identifier as temporary. Server ids never carry it.
const Prefix = "temp-"

// Generator produces prefixed v4 UUIDs. It reads from a secure random source
// and falls back to a pseudo-random generator when that source fails.
type Generator struct {
	random io.Reader

	mu       sync.Mutex
	fallback *mrand.Rand
	insecure bool
	logger   *log.Logger
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return NewFromReader(rand.Reader)
}

// NewFromReader returns a Generator that reads randomness from r.
func NewFromReader(r io.Reader) *Generator {
	return &Generator{random: r}
}

var defaultGenerator = New()

// Next returns a new temporary id from the package generator.
func Next() string {
	return defaultGenerator.Next()
}

// Next returns a new temporary id.
func (g *Generator) Next() string {
	if g.random != nil {
		if u, err := uuid.NewRandomFromReader(g.random); err == nil {
			return Prefix + u.String()
		}
	}
	return Prefix + g.pseudo()
}

// Insecure reports whether the generator has fallen back to the
// non-cryptographic source at least once.
func (g *Generator) Insecure() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insecure
}

// pseudo builds a v4-shaped UUID from math/rand. NOT cryptographically secure;
// collisions are unlikely but the values are predictable.
func (g *Generator) pseudo() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fallback == nil {
		g.fallback = mrand.New(mrand.NewPCG(mrand.Uint64(), mrand.Uint64()))
	}
	if !g.insecure {
		g.insecure = true
		logger := g.logger
		if logger == nil {
			logger = log.Default()
		}
		logger.Printf("clientid: secure random source unavailable, using non-cryptographic fallback")
	}
	var u uuid.UUID
	hi, lo := g.fallback.Uint64(), g.fallback.Uint64()
	for i := 0; i < 8; i++ {
		u[i] = byte(hi >> (56 - 8*i))
		u[8+i] = byte(lo >> (56 - 8*i))
	}
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return u.String()
}

// IsTemporary reports whether id was produced by a Generator.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, Prefix)
}
