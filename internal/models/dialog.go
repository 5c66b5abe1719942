package models

import "time"

// Dialog is one end-user's anonymous conversation with the administrator.
// There is exactly one row per UserID; IDs are never reused.
type Dialog struct {
	ID           uint      `gorm:"column:dialog_id;primaryKey;autoIncrement"`
	UserID       string    `gorm:"size:64;not null;uniqueIndex"`
	DisplayTag   *string   `gorm:"size:255"` // set once, from a handle the user disclosed
	CreatedAt    time.Time
	LastActivity time.Time `gorm:"index"`
	IsActive     bool      `gorm:"default:true;index"`

	Messages []DialogMessage `gorm:"foreignKey:DialogID;references:ID"`
}

// TableName pins the table to "dialogs".
func (Dialog) TableName() string { return "dialogs" }

// Tag returns the disclosed handle, or "" if the user stayed anonymous.
func (d Dialog) Tag() string {
	if d.DisplayTag == nil {
		return ""
	}
	return *d.DisplayTag
}
