package models

import "time"

// Media types recorded on a DialogMessage.
const (
	MediaPhoto = "photo"
	MediaVideo = "video"
)

// DialogMessage is one immutable turn in a dialog's log. SentAt, then ID,
// defines the log order.
type DialogMessage struct {
	ID        uint      `gorm:"column:message_id;primaryKey;autoIncrement"`
	DialogID  uint      `gorm:"not null;index"`
	FromAdmin bool      `gorm:"not null"`
	Text      string    `gorm:"type:text"`
	MediaID   string    `gorm:"size:512"`
	MediaType string    `gorm:"size:16"`
	SentAt    time.Time `gorm:"index"`
}

// TableName pins the table to "messages".
func (DialogMessage) TableName() string { return "messages" }
