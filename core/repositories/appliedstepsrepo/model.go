package appliedstepsrepo

import "time"

// AppliedStep is one row of the ledger: a step that has been applied to, or
// marked as applied on, this database.
type AppliedStep struct {
	App       string    `json:"app"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	RunID     string    `json:"run_id"`
	AppliedAt time.Time `json:"applied_at"`
}

// Key is the step identifier as "app.name".
func (a AppliedStep) Key() string {
	return a.App + "." + a.Name
}
