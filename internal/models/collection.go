package models

// Collection is one bounded recording session. The backing CSV on disk is
// named after Name; EndS stays null while the session is still active.
type Collection struct {
	ID          uint     `gorm:"primarykey" json:"id"`
	Name        string   `gorm:"uniqueIndex;not null" json:"name"`
	StartS      float64  `gorm:"column:start_s" json:"start_s"`
	EndS        *float64 `gorm:"column:end_s" json:"end_s"`
	Description string   `json:"description"`
	Uploaded    bool     `gorm:"default:false" json:"uploaded"`
}

func (Collection) TableName() string {
	return "collections"
}
