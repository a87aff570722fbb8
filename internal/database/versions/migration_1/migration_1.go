package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type PipelineTask struct {
	StatusMessage string
	Attempts      int `gorm:"not null;default:0"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&PipelineTask{}, "status_message"); err != nil {
		return fmt.Errorf("error adding status_message column: %w", err)
	}

	if err := db.Migrator().AddColumn(&PipelineTask{}, "attempts"); err != nil {
		return fmt.Errorf("error adding attempts column: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&PipelineTask{}, "attempts"); err != nil {
		return fmt.Errorf("error dropping attempts column: %w", err)
	}

	if err := db.Migrator().DropColumn(&PipelineTask{}, "status_message"); err != nil {
		return fmt.Errorf("error dropping status_message column: %w", err)
	}

	return nil
}
