package models

import "time"

// DocumentSnapshot is the rendered PDF artifact for a specific immutable
// version. ContentFingerprint is a pure function of the version's identity
// and content: rendering the same version twice yields byte-identical output,
// which is what makes a signed snapshot verifiable after the fact.
type DocumentSnapshot struct {
	TraineeID          string    `json:"traineeId"`
	FormType           string    `json:"formType"`
	VersionID          int64     `json:"versionId"`
	ContentFingerprint string    `json:"contentFingerprint"`
	RenderedAt         time.Time `json:"renderedAt"`
	Draft              bool      `json:"draft"`
	Bytes              []byte    `json:"-"`
}
