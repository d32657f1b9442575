// Package identity generates transport-safe call identifiers.
package identity

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// suffixLen is the number of base-36 characters in the random suffix.
const suffixLen = 8

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SafePattern is the charset every generated identifier satisfies.
var SafePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Generator builds session identifiers. The zero value is not usable; use New.
type Generator struct {
	now    func() time.Time
	random func() string
}

func New() *Generator {
	return &Generator{now: time.Now, random: randomSuffix}
}

// SessionID returns call_<local>[_<counterpart>]_<ms>_<rand> with every
// character outside [A-Za-z0-9_] removed.
func (g *Generator) SessionID(localID, counterpartID string) string {
	parts := []string{"call", localID}
	if counterpartID != "" {
		parts = append(parts, counterpartID)
	}
	parts = append(parts,
		strconv.FormatInt(g.now().UnixMilli(), 10),
		g.random(),
	)
	return Sanitize(strings.Join(parts, "_"))
}

// SessionID uses the package default generator.
func SessionID(localID, counterpartID string) string {
	return New().SessionID(localID, counterpartID)
}

// ParticipantID returns the media-layer identity <role>_<id>.
func ParticipantID(role, id string) string {
	return Sanitize(role + "_" + id)
}

// Sanitize strips every character outside [A-Za-z0-9_].
func Sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "")
}

func randomSuffix() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	s := n.Text(36)
	for len(s) < suffixLen {
		s = "0" + s
	}
	return s[len(s)-suffixLen:]
}
