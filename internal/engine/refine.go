package engine

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultMaxSizeChangePct is the default bound on how much an edit-mode
// refinement may change the artifact's word count.
const DefaultMaxSizeChangePct = 20.0

// DefaultValidationRetries is how many rejected refinements are tolerated
// before escalating to a human.
const DefaultValidationRetries = 2

// ValidateRefinement checks that an edit-mode refinement actually edited the
// artifact: a byte-identical result means the agent made no edits, and a
// word-count swing beyond maxSizeChangePct suggests a wholesale
// regeneration instead of the requested targeted edits. Returns a
// descriptive error on rejection, nil when the refinement is acceptable.
// An empty previous artifact accepts anything (first generation).
func ValidateRefinement(prev, curr string, maxSizeChangePct float64) error {
	if prev == "" {
		return nil
	}
	if prev == curr {
		return fmt.Errorf("engine: artifact unchanged, refiner made no edits")
	}
	prevWords := len(strings.Fields(prev))
	currWords := len(strings.Fields(curr))
	if prevWords > 0 {
		pct := abs(float64(currWords-prevWords)) / float64(prevWords) * 100
		if pct > maxSizeChangePct {
			return fmt.Errorf(
				"engine: artifact size changed %.1f%% (%d -> %d words), possible regeneration",
				pct, prevWords, currWords)
		}
	}
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// DiffSummary renders a one-line summary of how much changed between two
// artifact versions, for the live log.
func DiffSummary(prev, curr string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, curr, false)
	var added, deleted int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += len(d.Text)
		}
	}
	return fmt.Sprintf("+%d/-%d chars", added, deleted)
}
