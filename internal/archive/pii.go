package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// Digit runs with phone punctuation. Dates and times fall under the
	// digit threshold in scrubPhones.
	phoneCandidateRe = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{7,}\d`)
)

const minPhoneDigits = 10

// HashKey returns the hex SHA-256 of a conversation key. Keys are phone
// numbers and never leave the database in clear.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ScrubPII replaces emails with [EMAIL] and phone numbers with [PHONE].
// Names stay, appointment history is useless without them.
func ScrubPII(text string) string {
	return scrubPhones(emailRe.ReplaceAllString(text, "[EMAIL]"))
}

func scrubPhones(text string) string {
	return phoneCandidateRe.ReplaceAllStringFunc(text, func(m string) string {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < minPhoneDigits {
			return m
		}
		return "[PHONE]"
	})
}

// ScrubTurns scrubs turn content in place.
func ScrubTurns(turns []Turn) {
	for i := range turns {
		turns[i].Content = ScrubPII(turns[i].Content)
	}
}
