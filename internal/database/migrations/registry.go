package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/argus/internal/models"
)

const retentionIndex = "idx_recordings_retention"

// AllMigrations returns all registered migrations in order.
//   - 001: recordings and recording_schedules tables
//   - 002: composite (status, end_time) index used by the retention sweeper
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002RetentionIndex(),
	}
}

func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create recordings and recording schedules",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.RecordingSchedule{},
				&models.Recording{},
			)
		},
		Down: func(tx *gorm.DB) error {
			for _, table := range []string{"recordings", "recording_schedules"} {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func migration002RetentionIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Add retention index on recordings",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex("recordings", retentionIndex) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + retentionIndex + " ON recordings (status, end_time)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex("recordings", retentionIndex) {
				return nil
			}
			return tx.Migrator().DropIndex("recordings", retentionIndex)
		},
	}
}
