package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"anon-chatroom/internal/domain"
)

// MigrateDB 用 AutoMigrate 建立聊天室相关的表。顺序按外键依赖排列。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	models := []interface{}{
		&domain.Room{},
		&domain.Ban{},
		&domain.Participant{},
		&domain.Message{},
		&domain.Reaction{},
	}
	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			logrus.Errorf("Failed to auto-migrate %T: %v", m, err)
			return fmt.Errorf("failed to auto-migrate %T: %w", m, err)
		}
	}

	logrus.Info("Database migration completed successfully")
	return nil
}
