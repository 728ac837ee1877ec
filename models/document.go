package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Document 代表銷售線索的佐證文件
// 包含文件的 URL 以及上傳者的使用者 ID
type Document struct {
	gorm.Model

	ID         uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	LeadID     uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	UploaderID uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Url        string    `gorm:"type:text;not null;<-:create"`

	Uploader *User `gorm:"foreignKey:UploaderID"`
}
