package models

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("models: record not found")
	// ErrConflict is returned when a change contradicts the stored state.
	ErrConflict = errors.New("models: conflicting state")
)

// Store is the persistence layer of the marketplace.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// UpsertUser creates the user or updates its handle and address.
func (s *Store) UpsertUser(ctx context.Context, user *User) error {
	var existing User
	err := s.db.WithContext(ctx).First(&existing, "id = ?", user.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(user).Error
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"handle":  user.Handle,
		"address": user.Address,
	}).Error
}

func (s *Store) User(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (s *Store) CreatePosting(ctx context.Context, posting *Posting) error {
	return s.db.WithContext(ctx).Create(posting).Error
}

func (s *Store) Posting(ctx context.Context, id uuid.UUID) (*Posting, error) {
	var posting Posting
	if err := s.db.WithContext(ctx).First(&posting, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &posting, nil
}

// PostingFilter narrows ListPostings. Zero fields do not filter.
type PostingFilter struct {
	Status   PostingStatus
	ClientID uuid.UUID
	Limit    int
	Offset   int
}

// ListPostings returns postings newest first.
func (s *Store) ListPostings(ctx context.Context, filter PostingFilter) ([]Posting, error) {
	q := s.db.WithContext(ctx).Model(&Posting{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ClientID != uuid.Nil {
		q = q.Where("client_id = ?", filter.ClientID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Posting
	err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&out).Error
	return out, err
}

// DeletePosting removes an open posting and its applications.
func (s *Store) DeletePosting(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var posting Posting
		if err := tx.First(&posting, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if posting.Status != PostingOpen {
			return ErrConflict
		}
		if err := tx.Where("posting_id = ?", id).Delete(&Application{}).Error; err != nil {
			return err
		}
		return tx.Delete(&posting).Error
	})
}

func (s *Store) CreateApplication(ctx context.Context, app *Application) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var posting Posting
		if err := tx.First(&posting, "id = ?", app.PostingID).Error; err != nil {
			return notFound(err)
		}
		if posting.Status != PostingOpen || posting.ClientID == app.FreelancerID {
			return ErrConflict
		}
		var count int64
		if err := tx.Model(&Application{}).Where("posting_id = ? AND freelancer_id = ?", app.PostingID, app.FreelancerID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(app).Error
	})
}

func (s *Store) Applications(ctx context.Context, postingID uuid.UUID) ([]Application, error) {
	var out []Application
	err := s.db.WithContext(ctx).Where("posting_id = ?", postingID).Order("created_at").Find(&out).Error
	return out, err
}

// AcceptApplication marks one application accepted, declines the others and
// records the freelancer on the posting.
func (s *Store) AcceptApplication(ctx context.Context, postingID, appID uuid.UUID) (*Posting, error) {
	var posting Posting
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&posting, "id = ?", postingID).Error; err != nil {
			return notFound(err)
		}
		if posting.Status != PostingOpen || posting.FreelancerID != nil {
			return ErrConflict
		}
		var app Application
		if err := tx.First(&app, "id = ? AND posting_id = ?", appID, postingID).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Model(&Application{}).Where("posting_id = ? AND id <> ?", postingID, appID).
			Update("status", ApplicationDeclined).Error; err != nil {
			return err
		}
		if err := tx.Model(&app).Update("status", ApplicationAccepted).Error; err != nil {
			return err
		}
		freelancer := app.FreelancerID
		posting.FreelancerID = &freelancer
		return tx.Model(&posting).Update("freelancer_id", freelancer).Error
	})
	if err != nil {
		return nil, err
	}
	return &posting, nil
}

// LinkJob attaches a funded ledger job to the posting.
func (s *Store) LinkJob(ctx context.Context, postingID uuid.UUID, jobID uint64) (*Posting, error) {
	var posting Posting
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&posting, "id = ?", postingID).Error; err != nil {
			return notFound(err)
		}
		if posting.Status != PostingOpen || posting.JobID != nil {
			return ErrConflict
		}
		posting.JobID = &jobID
		posting.Status = PostingFunded
		return tx.Model(&posting).Updates(map[string]interface{}{"job_id": jobID, "status": PostingFunded}).Error
	})
	if err != nil {
		return nil, err
	}
	return &posting, nil
}

// ClosePosting marks a posting closed, normally once its job left the
// active state.
func (s *Store) ClosePosting(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Posting{}).Where("id = ?", id).Update("status", PostingClosed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
