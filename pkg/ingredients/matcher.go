// Package ingredients matches free-text ingredient strings against the set
// of known dosage-reference names. A single Aho-Corasick automaton over the
// normalized names answers "which known ingredient appears inside this
// text" in one pass, which covers compound labels like
// "PARACETAMOL CHLORHYDRATE" that a plain equality lookup misses.
package ingredients

import (
	"github.com/coregx/ahocorasick"

	"github.com/pharmadesk/pharmacache/pkg/textnorm"
)

// Matcher is an immutable compiled automaton. Rebuild it after the
// reference set changes.
type Matcher struct {
	ac    *ahocorasick.Automaton
	names []string
}

// New compiles a matcher from reference ingredient names. Names are folded
// with the same canonicalizer used on lookups; empty folds are skipped.
func New(names []string) (*Matcher, error) {
	folded := make([]string, 0, len(names))
	for _, n := range names {
		if f := textnorm.Fold(n); f != "" {
			folded = append(folded, f)
		}
	}
	if len(folded) == 0 {
		return &Matcher{}, nil
	}

	// LeftmostLongest prefers "paracetamol codeine" over "paracetamol"
	// when both are known.
	ac, err := ahocorasick.NewBuilder().
		AddStrings(folded).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}

	return &Matcher{ac: ac, names: folded}, nil
}

// FindIn returns the longest known ingredient name contained in text, in
// its normalized form. ok is false when nothing matches or the matcher is
// empty.
func (m *Matcher) FindIn(text string) (name string, ok bool) {
	if m == nil || m.ac == nil {
		return "", false
	}
	hay := []byte(textnorm.Fold(text))
	best := ""
	for _, match := range m.ac.FindAllOverlapping(hay) {
		if s := string(hay[match.Start:match.End]); len(s) > len(best) {
			best = s
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

// Size reports how many names the matcher was compiled from.
func (m *Matcher) Size() int {
	if m == nil {
		return 0
	}
	return len(m.names)
}
