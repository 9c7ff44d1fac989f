package provision

import "fmt"

// Step is one provisioning transaction. Steps are ordered; Progress records
// the last one that completed.
type Step int

const (
	StepNone Step = iota
	StepCreateAccount
	StepDeployContract
	StepGrantPolicy
	StepRegister
	StepInitialize
)

// LastStep is the step that completes provisioning.
const LastStep = StepInitialize

var stepNames = [...]string{
	StepNone:           "none",
	StepCreateAccount:  "create-account",
	StepDeployContract: "deploy-contract",
	StepGrantPolicy:    "grant-policy",
	StepRegister:       "register",
	StepInitialize:     "initialize",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// stepsBetween returns the steps in (from, to], in order.
func stepsBetween(from, to Step) []Step {
	var out []Step
	for s := from + 1; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func (s Step) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Step) UnmarshalText(b []byte) error {
	for i, name := range stepNames {
		if name == string(b) {
			*s = Step(i)
			return nil
		}
	}
	return fmt.Errorf("unknown provisioning step %q", b)
}
