package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upStaging, downStaging)
}

type StagingDownload struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Build      string     `gorm:"type:text;not null;index"`
	Source     string     `gorm:"type:text;not null"`
	Artifacts  string     `gorm:"type:text;not null"`
	Status     string     `gorm:"type:text;not null"`
	Error      string     `gorm:"type:text"`
	StartedAt  time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	FinishedAt *time.Time `gorm:"type:timestamptz"`
}

type StagingArtifactEvent struct {
	ID         int64           `gorm:"type:bigserial;primaryKey"`
	DownloadID uuid.UUID       `gorm:"type:uuid;not null;index"`
	Kind       string          `gorm:"type:text;not null"`
	Mode       string          `gorm:"type:text;not null"`
	Type       string          `gorm:"type:text;not null"`
	Error      string          `gorm:"type:text"`
	DurationMS int64           `gorm:"type:bigint;not null;default:0"`
	At         time.Time       `gorm:"type:timestamptz;not null;default:now()"`
	Download   StagingDownload `gorm:"foreignKey:DownloadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upStaging(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	// AutoMigrate also creates the download_id foreign key from the Download association.
	return gormDB.WithContext(ctx).AutoMigrate(
		&StagingDownload{},
		&StagingArtifactEvent{},
	)
}

func downStaging(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&StagingArtifactEvent{},
		&StagingDownload{},
	)
}
