package ids

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var errExhausted = errors.New("ids: sequence exhausted")

// Provider issues opaque unique identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ulidProvider struct {
	mu      sync.Mutex
	clock   func() time.Time
	entropy io.Reader
}

// NewULIDProvider constructs a Provider that issues lexically sortable ULIDs.
// Identifiers minted within the same millisecond stay ordered.
func NewULIDProvider(clock func() time.Time) Provider {
	if clock == nil {
		clock = time.Now
	}
	return &ulidProvider{
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (p *ulidProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, err := ulid.New(ulid.Timestamp(p.clock()), p.entropy)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence returns a Provider that hands out the given identifiers in order. Intended for tests.
func Sequence(values ...string) Provider {
	return &sequenceProvider{values: values}
}

type sequenceProvider struct {
	mu     sync.Mutex
	values []string
	index  int
}

func (p *sequenceProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index >= len(p.values) {
		return "", errExhausted
	}
	value := p.values[p.index]
	p.index++
	return value, nil
}
