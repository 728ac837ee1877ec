package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserRole 代表使用者在市場中的角色
type UserRole string

const (
	UserRoleBuyer  UserRole = "buyer"
	UserRoleSeller UserRole = "seller"
	UserRoleAdmin  UserRole = "admin"
)

// User 代表市場中的使用者
// 包含使用者名稱、角色、錢包位址以及 KYC 驗證狀態
type User struct {
	gorm.Model

	ID          uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	Username    string    `gorm:"type:varchar(255);not null;<-:create"`
	Role        UserRole  `gorm:"type:varchar(16);not null;default:'buyer'"`
	Wallet      string    `gorm:"type:varchar(64);not null;default:''"`
	KYCVerified bool      `gorm:"type:boolean;not null;default:false"`
}
