package models

import (
	"time"
)

// ConversionStatus is the lifecycle state of a conversion.
type ConversionStatus string

const (
	ConversionStatusRunning   ConversionStatus = "running"
	ConversionStatusCompleted ConversionStatus = "completed"
	// ConversionStatusReused means the destination already existed and was
	// returned without transcoding.
	ConversionStatusReused ConversionStatus = "reused"
	ConversionStatusFailed ConversionStatus = "failed"
)

// IsFinished reports whether the status is terminal.
func (s ConversionStatus) IsFinished() bool {
	return s != ConversionStatusRunning
}

// Conversion error kinds recorded in ErrorKind.
const (
	ErrorKindInvalid   = "invalid"
	ErrorKindBusy      = "busy"
	ErrorKindAdmission = "admission_timeout"
	ErrorKindNotFound  = "not_found"
	ErrorKindForbidden = "unauthorized"
	ErrorKindQuota     = "quota_exceeded"
	ErrorKindIngest    = "ingest"
	ErrorKindTranscode = "transcode"
	ErrorKindEgress    = "egress"
	ErrorKindCancelled = "cancelled"
	ErrorKindInternal  = "internal"
)

// Conversion is one conversion request and its outcome.
type Conversion struct {
	BaseModel

	Source      string           `gorm:"not null;size:2048" json:"source"`
	Destination string           `gorm:"not null;size:2048;index" json:"destination"`
	Status      ConversionStatus `gorm:"not null;size:20;index" json:"status"`

	ErrorKind string `gorm:"size:32" json:"error_kind,omitempty"`
	Error     string `gorm:"type:text" json:"error,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`

	BytesWritten int64 `json:"bytes_written"`
	DurationMs   int64 `json:"duration_ms"`

	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt *time.Time `gorm:"index" json:"completed_at,omitempty"`
}

// TableName returns the table name for conversions.
func (Conversion) TableName() string {
	return "conversions"
}

// Finish records a terminal status at now.
func (c *Conversion) Finish(status ConversionStatus, now time.Time) {
	c.Status = status
	c.CompletedAt = &now
	c.DurationMs = now.Sub(c.StartedAt).Milliseconds()
}

// Fail records a failure with its kind and message.
func (c *Conversion) Fail(kind string, err error, now time.Time) {
	c.ErrorKind = kind
	if err != nil {
		c.Error = err.Error()
	}
	c.Finish(ConversionStatusFailed, now)
}
