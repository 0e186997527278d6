package workflow

import "slices"

// ApprovalScope is either every use case referencing a step or a named
// subset of them. The zero value is the global scope.
type ApprovalScope struct {
	scoped     bool
	useCaseIDs []string
}

func ScopeAll() ApprovalScope {
	return ApprovalScope{}
}

// ScopeUseCases scopes an approval to the given use cases. Duplicates are
// dropped; an empty list is rejected when the approval is applied.
func ScopeUseCases(ids ...string) ApprovalScope {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return ApprovalScope{scoped: true, useCaseIDs: out}
}

func (s ApprovalScope) All() bool {
	return !s.scoped
}

// UseCaseIDs returns the scoped ids, or nil for the global scope.
func (s ApprovalScope) UseCaseIDs() []string {
	if !s.scoped {
		return nil
	}
	return slices.Clone(s.useCaseIDs)
}

func (s ApprovalScope) String() string {
	if !s.scoped {
		return "all"
	}
	return "scoped"
}

func (s ApprovalScope) validate(step *Step) error {
	if !s.scoped {
		return nil
	}
	if len(s.useCaseIDs) == 0 {
		return &UnknownUseCaseError{StepID: step.ID}
	}
	var unknown []string
	for _, id := range s.useCaseIDs {
		if !step.References(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return &UnknownUseCaseError{StepID: step.ID, UseCaseIDs: unknown}
	}
	return nil
}

// IsApprovedFor reports whether any approval on the step covers the use case.
// Global approvals cover use cases linked after the approval was given.
func IsApprovedFor(step *Step, useCaseID string) bool {
	for _, a := range step.Approvals {
		if a.Covers(useCaseID) {
			return true
		}
	}
	return false
}

// ApprovalCoverage summarises which linked use cases a step is approved for.
type ApprovalCoverage struct {
	Global    bool     `json:"global"`
	Covered   []string `json:"covered"`
	Uncovered []string `json:"uncovered"`
}

// Full reports whether no linked use case is left without an approval.
func (c ApprovalCoverage) Full() bool {
	return c.Global || (len(c.Uncovered) == 0 && len(c.Covered) > 0)
}

func Coverage(step *Step) ApprovalCoverage {
	cov := ApprovalCoverage{Covered: []string{}, Uncovered: []string{}}
	for _, a := range step.Approvals {
		if a.IsGlobal() {
			cov.Global = true
		}
	}
	for _, id := range step.UseCaseIDs {
		if IsApprovedFor(step, id) {
			cov.Covered = append(cov.Covered, id)
		} else {
			cov.Uncovered = append(cov.Uncovered, id)
		}
	}
	return cov
}
