package domain

import "time"

// Session is one issued login session. Only the token hash is stored.
type Session struct {
	ID         string
	UserHandle string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Verification statuses.
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
	VerificationFailed   = "failed"
	VerificationExpired  = "expired"
)

// Verification is a pending ownership check of a solved.ac handle: the
// user is asked to place Code in their profile bio before ExpiresAt.
type Verification struct {
	ID         string
	Handle     string
	Code       string
	Status     string
	Attempts   int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	VerifiedAt *time.Time
}

// Profile is the locally cached solved.ac profile for a verified user.
type Profile struct {
	Handle       string
	Verified     bool
	Tier         int
	Rating       int
	SolvedCount  int
	Class        int
	Bio          string
	LastSyncedAt *time.Time
	UpdatedAt    time.Time
}
