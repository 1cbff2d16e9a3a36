package vault

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoCredential means no credential is stored for the user.
var ErrNoCredential = errors.New("no stored credential")

// CredentialRecord is one user's encrypted broker credential. Only the
// sealed blob touches disk.
type CredentialRecord struct {
	gorm.Model
	UserID string `gorm:"uniqueIndex"`
	Blob   string
}

// Store persists encrypted credential blobs keyed by user.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save upserts the user's credential blob.
func (s *Store) Save(userID, blob string) error {
	rec := CredentialRecord{UserID: userID, Blob: blob}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"blob", "updated_at"}),
	}).Create(&rec).Error
}

// Get returns the user's stored blob.
func (s *Store) Get(userID string) (string, error) {
	var rec CredentialRecord
	err := s.db.Where("user_id = ?", userID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoCredential
		}
		return "", err
	}
	return rec.Blob, nil
}

// Delete removes the user's stored credential.
func (s *Store) Delete(userID string) error {
	return s.db.Where("user_id = ?", userID).Delete(&CredentialRecord{}).Error
}
