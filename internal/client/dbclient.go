package client

import (
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SalesyAI/cvbanai-sub000/internal/model"
)

func InitSqliteClient(path string) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal(err)
	}

	// sqlite allows a single writer; more connections only trade errors for
	// SQLITE_BUSY under concurrent callbacks.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&model.Product{},
		&model.PurchaseIntent{},
	); err != nil {
		log.Fatal(err)
	}

	return db
}
