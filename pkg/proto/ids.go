package proto

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateSessionID returns a unique session identifier.
func GenerateSessionID() string {
	return fmt.Sprintf("sess-%s", uuid.New().String())
}

// GenerateIntentID returns a unique identifier for one classified turn.
func GenerateIntentID() string {
	return fmt.Sprintf("intent-%s", uuid.New().String())
}

// GenerateApprovalID returns a unique identifier for an approval grant.
func GenerateApprovalID() string {
	return fmt.Sprintf("approval-%s", uuid.New().String())
}

// GenerateAuditID returns a unique identifier for an audit log record.
func GenerateAuditID() string {
	return fmt.Sprintf("audit-%s", uuid.New().String())
}
