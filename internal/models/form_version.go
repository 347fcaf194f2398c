package models

import (
	"encoding/json"
	"time"

	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
)

// FormVersion is one immutable snapshot of a trainee's form at a point in
// time. Versions are keyed by (TraineeID, FormType, VersionID) and VersionID
// increases monotonically per trainee and form type. Once a version reaches
// SUBMITTED its content is frozen; further edits allocate a new version.
type FormVersion struct {
	TraineeID      string          `db:"trainee_id" json:"traineeId"`
	FormType       string          `db:"form_type" json:"formType"`
	VersionID      int64           `db:"version_id" json:"versionId"`
	State          lifecycle.State `db:"state" json:"state"`
	Content        json.RawMessage `db:"content" json:"content"`
	Revision       int64           `db:"revision" json:"revision"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	LastModifiedAt time.Time       `db:"last_modified_at" json:"lastModifiedAt"`
}

// FormVersionKey addresses a single stored version.
type FormVersionKey struct {
	TraineeID string
	FormType  string
	VersionID int64
}

// Key returns the version's storage key.
func (v *FormVersion) Key() FormVersionKey {
	return FormVersionKey{TraineeID: v.TraineeID, FormType: v.FormType, VersionID: v.VersionID}
}
