package orders

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(record *OrderRecord) error {
	return d.db.Create(record).Error
}

// Get returns the record for (userID, clientOrderID), or nil when absent.
func (d *Database) Get(userID, clientOrderID string) (*OrderRecord, error) {
	var record OrderRecord
	err := d.db.Where("user_id = ? AND client_order_id = ?", userID, clientOrderID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) Update(record *OrderRecord) error {
	return d.db.Save(record).Error
}

// ListByUser returns the user's records, newest first.
func (d *Database) ListByUser(userID string, limit int) ([]OrderRecord, error) {
	var records []OrderRecord
	q := d.db.Where("user_id = ?", userID).Order("submitted_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
