package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostingStatus tracks a posting from publication to its ledger job.
type PostingStatus string

const (
	PostingOpen   PostingStatus = "OPEN"
	PostingFunded PostingStatus = "FUNDED"
	PostingClosed PostingStatus = "CLOSED"
)

// ApplicationStatus tracks a freelancer's application.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "PENDING"
	ApplicationAccepted ApplicationStatus = "ACCEPTED"
	ApplicationDeclined ApplicationStatus = "DECLINED"
)

// User is a marketplace account bound to one ledger identity.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Handle    string    `gorm:"size:64;uniqueIndex"`
	Address   string    `gorm:"size:96;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Posting is a job offer. Milestones holds the planned amounts in the
// ledger's smallest unit; JobID is set once the client funded the job on the
// ledger.
type Posting struct {
	ID           uuid.UUID     `gorm:"type:uuid;primaryKey"`
	ClientID     uuid.UUID     `gorm:"type:uuid;index"`
	Title        string        `gorm:"size:200"`
	Description  string        `gorm:"type:text"`
	Milestones   []string      `gorm:"serializer:json"`
	FreelancerID *uuid.UUID    `gorm:"type:uuid;index"`
	JobID        *uint64       `gorm:"uniqueIndex"`
	Status       PostingStatus `gorm:"size:16;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Application is a freelancer's bid on a posting.
type Application struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	PostingID    uuid.UUID         `gorm:"type:uuid;index"`
	FreelancerID uuid.UUID         `gorm:"type:uuid;index"`
	Pitch        string            `gorm:"type:text"`
	Status       ApplicationStatus `gorm:"size:16;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

func (p *Posting) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PostingOpen
	}
	return nil
}

func (a *Application) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = ApplicationPending
	}
	return nil
}

// AutoMigrate creates or updates the schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Posting{}, &Application{})
}

// Open connects to the database named by dsn. A "sqlite:" prefix selects an
// embedded SQLite file; anything else is a Postgres DSN.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("models: database url required")
	}
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("models: open database: %w", err)
	}
	return db, nil
}
