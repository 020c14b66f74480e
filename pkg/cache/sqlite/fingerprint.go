package sqlite

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/pario-ai/chatrelay/pkg/models"
)

// Normalize lower-cases a question and collapses runs of whitespace.
func Normalize(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// Fingerprint computes the cache key for a question. With historyAware the
// preceding turns are folded in, so the same question asked in different
// conversational contexts maps to different entries.
func Fingerprint(question string, history []models.ChatTurn, historyAware bool) string {
	h := sha256.New()
	h.Write([]byte(Normalize(question)))
	if historyAware {
		for _, turn := range history {
			h.Write([]byte{0})
			h.Write([]byte(turn.Role))
			h.Write([]byte{0})
			h.Write([]byte(Normalize(turn.Content)))
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
