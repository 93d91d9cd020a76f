package domain

import "time"

// EmailThread is one conversation. messageCount equals the number of
// structured_emails plus sent_emails rows carrying this thread id, and
// threadPosition values across both tables form the contiguous range
// [1, messageCount].
type EmailThread struct {
	ID                string    `json:"id" db:"id"`
	UserID            string    `json:"userId" db:"user_id"`
	RootMessageID     string    `json:"rootMessageId" db:"root_message_id"`
	NormalizedSubject string    `json:"normalizedSubject" db:"normalized_subject"`
	ParticipantEmails []string  `json:"participantEmails" db:"participant_emails"`
	MessageCount      int       `json:"messageCount" db:"message_count"`
	LastMessageAt     time.Time `json:"lastMessageAt" db:"last_message_at"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// ThreadAssignment is the threader's result for one email.
type ThreadAssignment struct {
	ThreadID    string `json:"threadId"`
	Position    int    `json:"threadPosition"`
	IsNewThread bool   `json:"isNewThread"`
}
