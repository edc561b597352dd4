package deadletter

import "time"

// MaxLastErrorLength bounds the stored failure message.
const MaxLastErrorLength = 2000

// Record is one dead-lettered event.
type Record struct {
	EventID       uint64
	EventType     string
	RetryCount    int
	FailureSource string
	LastError     string
	Payload       []byte
	InsertedAt    time.Time
}

// truncated clamps the last-error text to MaxLastErrorLength.
func truncated(message string) string {
	if len(message) > MaxLastErrorLength {
		return message[:MaxLastErrorLength]
	}

	return message
}
