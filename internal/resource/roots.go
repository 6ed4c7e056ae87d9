package resource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for local references that resolve outside the
// directory they are confined to.
var ErrOutsideRoot = errors.New("local reference outside allowed directory")

// Roots confines local references. Inputs bounds local sources and Outputs
// bounds local outputs; an empty root leaves that side unrestricted.
// Remote references are never affected.
type Roots struct {
	Inputs  string
	Outputs string
}

// CheckSource rejects a local source reference outside r.Inputs.
func (r Roots) CheckSource(ref string) error { return within(r.Inputs, ref) }

// CheckOutput rejects a local output reference outside r.Outputs.
func (r Roots) CheckOutput(ref string) error { return within(r.Outputs, ref) }

func within(root, ref string) error {
	if root == "" || SchemeOf(ref) != SchemeLocal {
		return nil
	}
	p, err := LocalPath(ref)
	if err != nil {
		return err
	}
	base, err := resolve(root)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}
	target, err := resolve(p)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ref, err)
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, ref, root)
	}
	return nil
}

// resolve returns the absolute path of p with symlinks in its longest
// existing prefix evaluated, so links cannot lead out of a root.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rest := ""
	cur := abs
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest), nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}
