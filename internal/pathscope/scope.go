// Package pathscope confines file access to an allow-list of paths under a
// data root.
//
// Every storage primitive resolves its relative path through a Scope before
// touching disk. Deny is the default: a path is usable only if an explicit
// rule covers it after canonicalization.
package pathscope

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/convo/internal/ir"
)

// Rule is a single allow-list entry.
//
// A directory rule (written with a trailing "/") matches the directory
// itself and anything nested beneath it at a separator boundary. A file
// rule matches exactly one path.
type Rule struct {
	Path string // cleaned, slash-separated, relative to the root
	Dir  bool
}

// String returns the rule in its declared form.
func (r Rule) String() string {
	if r.Dir {
		return r.Path + "/"
	}
	return r.Path
}

// matches reports whether a canonical relative path is covered by the rule.
func (r Rule) matches(rel string) bool {
	if !r.Dir {
		return rel == r.Path
	}
	return rel == r.Path || strings.HasPrefix(rel, r.Path+"/")
}

// ParseRule parses a declared rule. A trailing "/" marks a directory rule.
// Rules must be relative and must stay inside the root.
func ParseRule(s string) (Rule, error) {
	dir := strings.HasSuffix(s, "/")
	clean, ok := canonical(strings.TrimSuffix(s, "/"))
	if !ok {
		return Rule{}, fmt.Errorf("invalid rule %q: must be a relative path inside the root", s)
	}
	return Rule{Path: clean, Dir: dir}, nil
}

// Scope resolves relative paths against a root directory and an allow-list.
//
// Thread-safety: Scope is immutable after New and safe for concurrent use.
type Scope struct {
	root  string
	rules []Rule
}

// New creates a Scope rooted at root (which must be absolute) with the given
// rules. An empty rule list is valid and denies everything.
func New(root string, rules ...string) (*Scope, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("pathscope: root %q is not absolute", root)
	}

	s := &Scope{root: filepath.Clean(root)}
	for _, raw := range rules {
		r, err := ParseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("pathscope: %w", err)
		}
		s.rules = append(s.rules, r)
	}
	return s, nil
}

// MustNew is like New but panics on error.
// Use only in tests or with constant rules.
func MustNew(root string, rules ...string) *Scope {
	s, err := New(root, rules...)
	if err != nil {
		panic(err)
	}
	return s
}

// Root returns the absolute data root.
func (s *Scope) Root() string {
	return s.root
}

// Resolve maps a relative path to an absolute path under the root.
//
// The candidate is canonicalized first (NFC, separators, "." and ".."
// collapsed against the root) and only then compared to the rules, so a
// traversal such as "profiles/../secrets.json" is judged by where it lands,
// not by its prefix. Returns an ir.ErrAccessDenied error otherwise.
func (s *Scope) Resolve(rel string) (string, error) {
	clean, ok := canonical(rel)
	if !ok {
		return "", denied(rel, "path escapes the data root")
	}

	for _, r := range s.rules {
		if r.matches(clean) {
			return filepath.Join(s.root, filepath.FromSlash(clean)), nil
		}
	}
	return "", denied(rel, "no allow rule matches")
}

// Allows reports whether Resolve would succeed for rel.
func (s *Scope) Allows(rel string) bool {
	_, err := s.Resolve(rel)
	return err == nil
}

// canonical returns the cleaned slash-separated form of rel, or false if rel
// is empty, absolute, names the root itself, or escapes it.
func canonical(rel string) (string, bool) {
	rel = norm.NFC.String(rel)
	rel = filepath.ToSlash(rel)
	if rel == "" || path.IsAbs(rel) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", false
	}

	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

func denied(rel, reason string) error {
	return ir.NewError(ir.ErrCodeAccessDenied, "pathscope.resolve", rel, fmt.Errorf("%s", reason))
}
