package models

import (
	"errors"
	"time"

	"github.com/Health-Education-England/tis-trainee-forms/internal/lifecycle"
)

// LifecycleEvent records the fact "version V of form F transitioned to state
// S at time T" for downstream consumers. Exactly one event is produced per
// successful state transition; delivery is at-least-once, so consumers
// deduplicate on EventID.
type LifecycleEvent struct {
	EventID    string          `db:"event_id" json:"eventId"`
	TraineeID  string          `db:"trainee_id" json:"ownerId"`
	FormType   string          `db:"form_type" json:"formType"`
	VersionID  int64           `db:"version_id" json:"versionId"`
	ToState    lifecycle.State `db:"to_state" json:"toState"`
	OccurredAt time.Time       `db:"occurred_at" json:"occurredAt"`

	// Delivery bookkeeping, owned by the outbox. Not part of the message body.
	Seq            int64      `db:"seq" json:"-"`
	Attempts       int        `db:"attempts" json:"-"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"-"`
}

// Validate checks the event is structurally sound for publication. A failure
// here means the producer wrote a malformed row; such events are dead-lettered
// rather than retried.
func (e *LifecycleEvent) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("lifecycle event has no event id")
	case e.TraineeID == "":
		return errors.New("lifecycle event has no trainee id")
	case e.FormType == "":
		return errors.New("lifecycle event has no form type")
	case e.VersionID <= 0:
		return errors.New("lifecycle event has no version id")
	case !e.ToState.Valid():
		return errors.New("lifecycle event has an unknown target state")
	case e.OccurredAt.IsZero():
		return errors.New("lifecycle event has no timestamp")
	}
	return nil
}

// FormKey returns the per-form ordering key used by the outbox and the bus.
func (e *LifecycleEvent) FormKey() string {
	return e.TraineeID + "/" + e.FormType
}
