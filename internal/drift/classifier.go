// Package drift measures how far an implementation strayed from the file
// footprint its strategy declared.
//
// Each touched file outside the expected set is tagged yellow (same or
// sibling directory of an expected file) or red (anywhere else). Siblings
// share a parent below the repository root, so two top-level directories
// are never siblings. Yellow
// files cost 1 point and red files 2; test, config and doc files get a
// leeway discount. The resulting budget use maps onto a severity:
//
//	none      every touched file was expected
//	minor     yellow use within half the yellow budget, no red use
//	moderate  yellow use above half the budget, or one red unit   (blocks)
//	major     yellow use above the budget, or red use at its max  (blocks)
//
// Classification is a pure function and always returns a full Assessment.
package drift

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// Severity grades drift. Values are ordered: none < minor < moderate < major.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
)

// Rank orders severities for comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeverityMajor:
		return 3
	default:
		return 0
	}
}

// Blocking reports whether the severity stops automatic progress.
func (s Severity) Blocking() bool {
	return s.Rank() >= SeverityModerate.Rank()
}

// Zone tags an unexpected file by how far it sits from the expected footprint.
type Zone string

const (
	ZoneGreen  Zone = "green"
	ZoneYellow Zone = "yellow"
	ZoneRed    Zone = "red"
)

// Category marks files eligible for a leeway discount.
type Category string

const (
	CategoryNone   Category = ""
	CategoryTest   Category = "test"
	CategoryConfig Category = "config"
	CategoryDoc    Category = "doc"
)

const (
	yellowCost = 1
	redCost    = 2
)

// Entry is one touched file outside the expected set.
type Entry struct {
	Path     string   `json:"path"`
	Zone     Zone     `json:"zone"`
	Category Category `json:"category,omitempty"`
	Cost     int      `json:"cost"`
}

// Budget bounds drift before it becomes major.
type Budget struct {
	YellowMax int `json:"yellow_max"`
	RedMax    int `json:"red_max"`
}

// DefaultBudget returns yellow max 4, red max 2.
func DefaultBudget() Budget {
	return Budget{YellowMax: 4, RedMax: 2}
}

// Assessment is the immutable result of one classification.
type Assessment struct {
	Severity   Severity `json:"severity"`
	Expected   []string `json:"expected"`
	Actual     []string `json:"actual"`
	Unexpected []Entry  `json:"unexpected"`
	YellowUsed int      `json:"yellow_used"`
	YellowMax  int      `json:"yellow_max"`
	RedUsed    int      `json:"red_used"`
	RedMax     int      `json:"red_max"`
}

// Blocking reports whether the assessment must go through the drift gate.
func (a Assessment) Blocking() bool {
	return a.Severity.Blocking()
}

// Summary renders a one-line description for prompts and halt reports.
func (a Assessment) Summary() string {
	return fmt.Sprintf("%s drift: %d unexpected file(s), yellow %d/%d, red %d/%d",
		a.Severity, len(a.Unexpected), a.YellowUsed, a.YellowMax, a.RedUsed, a.RedMax)
}

// Leeway discounts the cost of test, config and doc files.
type Leeway struct {
	Discount int
	test     []glob.Glob
	config   []glob.Glob
	doc      []glob.Glob
}

// NewLeeway compiles the category patterns. Patterns are matched against
// slash-separated relative paths and "*" crosses directory boundaries.
func NewLeeway(discount int, test, config, doc []string) (Leeway, error) {
	l := Leeway{Discount: discount}
	var err error
	if l.test, err = compileAll(test); err != nil {
		return Leeway{}, fmt.Errorf("test pattern: %w", err)
	}
	if l.config, err = compileAll(config); err != nil {
		return Leeway{}, fmt.Errorf("config pattern: %w", err)
	}
	if l.doc, err = compileAll(doc); err != nil {
		return Leeway{}, fmt.Errorf("doc pattern: %w", err)
	}
	return l, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, p string) bool {
	for _, g := range globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// Categorize returns the leeway category of a normalized path.
func (l Leeway) Categorize(p string) Category {
	switch {
	case matchAny(l.test, p):
		return CategoryTest
	case matchAny(l.doc, p):
		return CategoryDoc
	case matchAny(l.config, p):
		return CategoryConfig
	default:
		return CategoryNone
	}
}

// Classifier applies a budget and leeway to touched-file sets.
type Classifier struct {
	budget Budget
	leeway Leeway
}

// NewClassifier returns a Classifier.
func NewClassifier(budget Budget, leeway Leeway) *Classifier {
	return &Classifier{budget: budget, leeway: leeway}
}

// Budget returns the classifier's budget.
func (c *Classifier) Budget() Budget {
	return c.budget
}

// Classify compares the touched files against the expected footprint.
func (c *Classifier) Classify(expected, actual []string) Assessment {
	exp := Normalize(expected)
	act := Normalize(actual)

	expectedSet := make(map[string]bool, len(exp))
	expectedDirs := make(map[string]bool, len(exp))
	for _, p := range exp {
		expectedSet[p] = true
		expectedDirs[path.Dir(p)] = true
	}

	a := Assessment{
		Expected:   exp,
		Actual:     act,
		Unexpected: []Entry{},
		YellowMax:  c.budget.YellowMax,
		RedMax:     c.budget.RedMax,
	}

	for _, p := range act {
		if expectedSet[p] {
			continue
		}
		entry := Entry{Path: p, Zone: zoneFor(p, expectedDirs), Category: c.leeway.Categorize(p)}

		base := yellowCost
		if entry.Zone == ZoneRed {
			base = redCost
		}
		entry.Cost = base
		if entry.Category != CategoryNone {
			entry.Cost = max(0, base-c.leeway.Discount)
		}

		// An undiscounted red file consumes a red unit; a discounted one is
		// charged to the yellow budget at its reduced cost.
		if entry.Cost >= redCost {
			a.RedUsed++
		} else {
			a.YellowUsed += entry.Cost
		}
		a.Unexpected = append(a.Unexpected, entry)
	}

	a.Severity = SeverityFor(a.YellowUsed, a.RedUsed, len(a.Unexpected), c.budget)
	return a
}

// SeverityFor maps budget use to a severity. It is monotone in every argument.
func SeverityFor(yellowUsed, redUsed, unexpected int, b Budget) Severity {
	switch {
	case unexpected == 0 && yellowUsed == 0 && redUsed == 0:
		return SeverityNone
	case yellowUsed > b.YellowMax || redUsed >= b.RedMax:
		return SeverityMajor
	case yellowUsed > b.YellowMax/2 || redUsed >= 1:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

func zoneFor(p string, expectedDirs map[string]bool) Zone {
	dir := path.Dir(p)
	if expectedDirs[dir] {
		return ZoneYellow
	}
	if dir == "." {
		return ZoneRed
	}
	// Top-level directories are separate modules, not siblings.
	parent := path.Dir(dir)
	if parent == "." {
		return ZoneRed
	}
	for e := range expectedDirs {
		if e != "." && path.Dir(e) == parent {
			return ZoneYellow
		}
	}
	return ZoneRed
}

// Normalize cleans, slash-separates, de-duplicates and sorts paths.
// Empty entries are dropped.
func Normalize(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = path.Clean(filepath.ToSlash(p))
		p = strings.TrimPrefix(p, "./")
		if p == "." || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
