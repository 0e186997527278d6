package workflow

// Change is the state an action is about to publish. Steps and UseCases hold
// the new entity values. Versions holds the replacement version list of each
// step whose versions changed.
type Change struct {
	// Action names the operation, for example "approve" or "fork".
	Action   string
	Steps    []*Step
	UseCases []*UseCase
	Versions map[string][]StepVersion
	// Approval is set when the action added one.
	Approval *ApprovalRecord
}

// ApprovalRecord is an approval together with the entity it was given on.
type ApprovalRecord struct {
	Kind     Kind
	EntityID string
	Approval Approval
}

// Persister writes a change before the workspace publishes it. It runs while
// the entity locks of the action are held and must not modify the change.
// An error aborts the action and leaves the workspace as it was.
type Persister func(Change) error

// Persisting returns a view of the workspace whose actions call p before
// their result becomes visible. The view shares all state with w.
func (w *Workspace) Persisting(p Persister) *Workspace {
	view := *w
	view.persist = p
	return &view
}

func (w *Workspace) save(c Change) error {
	if w.persist == nil {
		return nil
	}
	return w.persist(c)
}

func stepChange(action string, step *Step, versions []StepVersion) Change {
	c := Change{Action: action, Steps: []*Step{step}}
	if len(versions) > 0 {
		c.Versions = map[string][]StepVersion{step.ID: versions}
	}
	return c
}

func useCaseChange(action string, uc *UseCase) Change {
	return Change{Action: action, UseCases: []*UseCase{uc}}
}
