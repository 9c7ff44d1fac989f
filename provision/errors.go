package provision

import (
	"fmt"
	"strings"

	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
)

// PartialError reports a run that committed some steps and then failed.
// The committed steps stay on the ledger; use Workflow.Resume or
// Workflow.Compensate.
type PartialError struct {
	Account   ledger.Name
	Completed []Step
	Failed    Step
	Err       error
}

func (e *PartialError) Error() string {
	done := make([]string, len(e.Completed))
	for i, s := range e.Completed {
		done[i] = s.String()
	}
	return fmt.Sprintf("persona %s partially provisioned: completed [%s], failed at %s: %v",
		e.Account, strings.Join(done, " "), e.Failed, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func (e *PartialError) KindOf() errs.Kind { return errs.KindPartial }
