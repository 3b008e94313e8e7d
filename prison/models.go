// Package prison tracks members serving a penalty. Entries are created by
// FAIL verdicts or manually by moderators and removed on release.
package prison

import (
	"errors"
	"time"
)

var (
	ErrAlreadyImprisoned = errors.New("prison: already imprisoned")
	ErrNotImprisoned     = errors.New("prison: not imprisoned")
	ErrInvalidEntry      = errors.New("prison: invalid entry")
)

// Entry mirrors the prison_entries table.
type Entry struct {
	GuildID    string
	UserID     string
	CaseID     string
	Reason     string
	ArrestedAt time.Time
}

func (e Entry) validate() error {
	if e.UserID == "" {
		return ErrInvalidEntry
	}
	return nil
}
