package fleet

import (
	"github.com/kilnlabs/kiln/pkg/types"
)

// Selector picks a printer for a job from a candidate list. Candidates
// are already filtered to idle, unreserved printers that have not
// failed the job, in registration order.
type Selector interface {
	Select(job *types.Job, candidates []string) (string, bool)
}

// DefaultSelector honors the job's preferred printer when it is among
// the candidates and otherwise takes the first candidate. Registration
// order makes the choice reproducible across runs.
type DefaultSelector struct{}

// Select implements Selector.
func (DefaultSelector) Select(job *types.Job, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	if job.PreferredPrinter != "" {
		for _, id := range candidates {
			if id == job.PreferredPrinter {
				return id, true
			}
		}
	}
	return candidates[0], true
}
