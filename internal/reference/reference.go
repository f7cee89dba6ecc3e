// Package reference generates merchant-side transaction references.
package reference

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator produces references of the form PREFIX-<unix millis>-<12 hex>.
// Uniqueness is probabilistic; the ledger's unique index is the final arbiter
// and callers retry with a fresh value on collision.
type Generator struct {
	prefix string
	now    func() time.Time
	random func() string
}

func NewGenerator(prefix string) *Generator {
	if prefix == "" {
		prefix = "REF"
	}
	return &Generator{prefix: prefix, now: time.Now, random: randomSuffix}
}

// WithSource overrides the clock and random source.
func (g *Generator) WithSource(now func() time.Time, random func() string) *Generator {
	cp := *g
	if now != nil {
		cp.now = now
	}
	if random != nil {
		cp.random = random
	}
	return &cp
}

func (g *Generator) Generate() string {
	return fmt.Sprintf("%s-%d-%s", g.prefix, g.now().UnixMilli(), g.random())
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
