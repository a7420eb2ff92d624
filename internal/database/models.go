package database

import (
	"database/sql"
	"time"
)

// Sender role values stored on chat history rows.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// UserProfile represents a user's stored health profile, keyed by the
// address the user messages from (phone number or equivalent).
// It is created on the first inbound message from an unseen address and
// mutated only by explicit profile updates.
type UserProfile struct {
	PhoneNumber       string        `db:"phone_number"`
	PreferredLanguage string        `db:"preferred_language"`
	Age               sql.NullInt64 `db:"age"`
	HasDiabetes       bool          `db:"has_diabetes"`
	HasHypertension   bool          `db:"has_hypertension"`
	OtherConditions   string        `db:"other_conditions"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NewUserProfile returns a default profile for an address: English language,
// no clinical flags set.
func NewUserProfile(phoneNumber string) *UserProfile {
	return &UserProfile{
		PhoneNumber:       phoneNumber,
		PreferredLanguage: "en",
	}
}

// ChatMessage is one immutable, append-only chat history entry. Rows are
// never updated or deleted by the application.
type ChatMessage struct {
	ID          uint      `db:"id"`
	PhoneNumber string    `db:"phone_number"`
	Sender      string    `db:"sender"`
	MessageText string    `db:"message_text"`
	CreatedAt   time.Time `db:"created_at"`
}
