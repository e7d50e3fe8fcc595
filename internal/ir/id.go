package ir

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ObjectID is the store-stable identity of a record.
//
// It is a plain value, safe to copy between goroutines. Two entities in
// different contexts with equal ObjectIDs denote the same logical record.
type ObjectID struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
}

// String renders the ID as "Entity/key", the form persisted by stores.
func (id ObjectID) String() string {
	return id.Entity + "/" + id.Key
}

// IsZero reports whether id is the zero ObjectID.
func (id ObjectID) IsZero() bool {
	return id.Entity == "" && id.Key == ""
}

// ParseObjectID parses the "Entity/key" form produced by String.
func ParseObjectID(s string) (ObjectID, error) {
	entity, key, ok := strings.Cut(s, "/")
	if !ok || entity == "" || key == "" {
		return ObjectID{}, fmt.Errorf("invalid object id %q: want Entity/key", s)
	}
	return ObjectID{Entity: entity, Key: key}, nil
}

// CompareIDs orders IDs by their persisted string form.
func CompareIDs(a, b ObjectID) int {
	return strings.Compare(a.String(), b.String())
}

// IDGenerator generates record keys.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 keys.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined keys for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewFixedGenerator creates a generator that returns keys in order.
func NewFixedGenerator(keys ...string) *FixedGenerator {
	return &FixedGenerator{keys: keys}
}

// Generate returns the next predetermined key.
//
// Panics if all keys have been consumed, to catch test misconfiguration.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.keys) {
		panic("FixedGenerator: all keys exhausted")
	}
	key := g.keys[g.idx]
	g.idx++
	return key
}
