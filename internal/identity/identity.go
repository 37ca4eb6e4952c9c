// Package identity derives run identifiers from config name, tag, and
// creation time. Identifiers are filesystem-safe, usable as container names
// and git ref components, and sort by creation time at minute granularity.
package identity

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentyard/yard/internal/errs"
)

// Components must start alphanumeric; dots, dashes, and underscores are
// allowed after that. Keeps ids valid as docker names, ref names, and paths.
var validComponent = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const maxComponentLen = 64

// Validate checks config and tag before any side effect. Tag may be empty.
func Validate(config, tag string) error {
	if err := checkComponent("config name", config); err != nil {
		return err
	}
	if tag == "" {
		return nil
	}
	return checkComponent("tag", tag)
}

func checkComponent(what, s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%s is empty: %w", what, errs.ErrInvalidIdentifier)
	case len(s) > maxComponentLen:
		return fmt.Errorf("%s %q is longer than %d characters: %w", what, s, maxComponentLen, errs.ErrInvalidIdentifier)
	case strings.Contains(s, ".."):
		return fmt.Errorf("%s %q contains '..': %w", what, s, errs.ErrInvalidIdentifier)
	case strings.HasSuffix(s, ".lock"):
		return fmt.Errorf("%s %q ends in '.lock', which git reserves: %w", what, s, errs.ErrInvalidIdentifier)
	case !validComponent.MatchString(s):
		return fmt.Errorf("%s %q may contain only letters, digits, '.', '_', and '-', starting with a letter or digit: %w", what, s, errs.ErrInvalidIdentifier)
	}
	return nil
}

// Format renders the identifier for a creation time: config-tag-MonDD-HHMM
// in UTC, the tag segment omitted when empty. Example: proj-plan22-Mar02-1400.
func Format(config, tag string, t time.Time) string {
	stamp := t.UTC().Format("Jan02-1504")
	if tag == "" {
		return config + "-" + stamp
	}
	return config + "-" + tag + "-" + stamp
}

// Generate validates the parts, formats the identifier, and resolves
// collisions against taken by appending -2, -3, ... until free. Two runs
// created in the same minute therefore get distinct ids; collision is a
// normal condition, not an error. taken may be nil.
func Generate(config, tag string, t time.Time, taken func(string) bool) (string, error) {
	if err := Validate(config, tag); err != nil {
		return "", err
	}
	id := Format(config, tag, t)
	if taken == nil || !taken(id) {
		return id, nil
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", id, n)
		if !taken(candidate) {
			return candidate, nil
		}
	}
}
