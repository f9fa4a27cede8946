package domain

import "time"

// NoticeLevel grades observer notices.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeInfo    NoticeLevel = "info"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-facing message about one deployment.
type Notice struct {
	DeploymentID string      `json:"deployment_id"`
	Level        NoticeLevel `json:"level"`
	Message      string      `json:"message"`
	At           time.Time   `json:"at"`
}
