package users

import "time"

// User is a marketplace account. The Can* columns are a projection of the
// role_grants rows, kept in lockstep by the roles repository; they exist
// for legacy readers and cheap display, not as an independent source of
// truth.
type User struct {
	ID          int64
	Email       string
	Name        string
	IsActive    bool
	CurrentRole string

	CanViewer      bool
	CanAdvertiser  bool
	CanPublisher   bool
	CanAdmin       bool
	CanStakeholder bool
	CanDeveloper   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
