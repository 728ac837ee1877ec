package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Holding 代表使用者對某個銷售線索標的的持有紀錄
// 持有者在該標的的拍賣中享有出價加成與 pre-ping 視窗的優先權
type Holding struct {
	gorm.Model

	ID     uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	UserID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_holdings_user_lead,where:deleted_at IS NULL;<-:create"`
	LeadID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_holdings_user_lead,where:deleted_at IS NULL;<-:create"`

	// 外鍵關聯
	User User `gorm:"foreignKey:UserID"`
	Lead Lead `gorm:"foreignKey:LeadID"`
}
