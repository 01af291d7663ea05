package model

import (
	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/qrelay/qrelay/common"
	"github.com/qrelay/qrelay/common/helper"
)

// AdminUser backs the session-cookie admin login. Passwords are
// bcrypt hashes, never plaintext.
type AdminUser struct {
	Id        int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	Username  string `json:"username" gorm:"type:varchar(64);uniqueIndex"`
	Password  string `json:"-" gorm:"type:varchar(128)"`
	CreatedAt int64  `json:"created_at" gorm:"bigint;autoCreateTime"`
	LastLogin int64  `json:"last_login" gorm:"bigint;default:0"`
}

func CreateAdminUser(username, password string) (*AdminUser, error) {
	hashed, err := common.Password2Hash(password)
	if err != nil {
		return nil, errors.Wrap(err, "hash admin password")
	}
	admin := &AdminUser{Username: username, Password: hashed}
	if err := DB.Create(admin).Error; err != nil {
		return nil, errors.Wrapf(err, "create admin user %s", username)
	}
	return admin, nil
}

// AuthenticateAdmin verifies the credential pair and stamps
// last_login on success.
func AuthenticateAdmin(username, password string) (*AdminUser, error) {
	var admin AdminUser
	if err := DB.First(&admin, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("invalid username or password")
		}
		return nil, errors.Wrap(err, "query admin user")
	}
	if !common.ValidatePasswordAndHash(password, admin.Password) {
		return nil, errors.New("invalid username or password")
	}
	admin.LastLogin = helper.GetTimestamp()
	_ = DB.Model(&admin).Update("last_login", admin.LastLogin).Error
	return &admin, nil
}

func CountAdminUsers() (int64, error) {
	var count int64
	err := DB.Model(&AdminUser{}).Count(&count).Error
	return count, errors.Wrap(err, "count admin users")
}
