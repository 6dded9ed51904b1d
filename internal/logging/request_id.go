package logging

import (
	"github.com/google/uuid"
)

// GenerateRequestID generates a unique request ID in the canonical
// 36 character UUID form.
func GenerateRequestID() string {
	return uuid.NewString()
}
