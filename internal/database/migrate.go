package database

import (
	"x-fleet/internal/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Node{},
		&model.User{},
		&model.Proxy{},
		&model.ProxyHost{},
		&model.HwidDevice{},
		&model.AppSetting{},
		&model.TLSCertificate{},
		&model.NodeUserUsage{},
	)
}
