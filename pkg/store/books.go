package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"grimoire/pkg/models"
)

// BookStore keeps books and their ratings. Every write to a book row is a
// compare-and-set on Book.Version; callers re-read and retry on
// ErrVersionConflict.
type BookStore struct {
	db *gorm.DB
}

func NewBookStore(db *gorm.DB) *BookStore {
	return &BookStore{db: db}
}

func (s *BookStore) withRatings(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Preload("Ratings", func(db *gorm.DB) *gorm.DB {
		return db.Order("ratings.id")
	})
}

func (s *BookStore) Create(ctx context.Context, b *models.Book) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	for i := range b.Ratings {
		b.Ratings[i].BookID = b.ID
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return translate(err)
	}
	normalize(b)
	return nil
}

func (s *BookStore) List(ctx context.Context) ([]models.Book, error) {
	var books []models.Book
	if err := s.withRatings(ctx).Order("created_at").Find(&books).Error; err != nil {
		return nil, translate(err)
	}
	for i := range books {
		normalize(&books[i])
	}
	return books, nil
}

// BestRated returns up to limit books ordered by average rating, highest first.
func (s *BookStore) BestRated(ctx context.Context, limit int) ([]models.Book, error) {
	var books []models.Book
	err := s.withRatings(ctx).
		Order("average_rating DESC").
		Order("created_at").
		Limit(limit).
		Find(&books).Error
	if err != nil {
		return nil, translate(err)
	}
	for i := range books {
		normalize(&books[i])
	}
	return books, nil
}

func (s *BookStore) Get(ctx context.Context, id string) (*models.Book, error) {
	var b models.Book
	if err := s.withRatings(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	normalize(&b)
	return &b, nil
}

// Update writes the descriptive fields and image of b if b.Version is still
// current, then advances b.Version.
func (s *BookStore) Update(ctx context.Context, b *models.Book) error {
	res := s.db.WithContext(ctx).Model(&models.Book{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]interface{}{
			"title":     b.Title,
			"author":    b.Author,
			"year":      b.Year,
			"genre":     b.Genre,
			"image_url": b.ImageURL,
			"version":   b.Version + 1,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrConflict(ctx, b.ID)
	}
	b.Version++
	return nil
}

// AddRating inserts r and stores the recomputed average carried by b, as one
// compare-and-set on b.Version. b must already contain r in its ratings.
func (s *BookStore) AddRating(ctx context.Context, b *models.Book, r models.Rating) error {
	r.BookID = b.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Book{}).
			Where("id = ? AND version = ?", b.ID, b.Version).
			Updates(map[string]interface{}{
				"average_rating": b.AverageRating,
				"version":        b.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return tx.Create(&r).Error
	})
	if errors.Is(err, ErrVersionConflict) {
		return s.missingOrConflict(ctx, b.ID)
	}
	if err != nil {
		return translate(err)
	}
	b.Version++
	return nil
}

func (s *BookStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", id).Delete(&models.Rating{}).Error; err != nil {
			return translate(err)
		}
		res := tx.Delete(&models.Book{}, "id = ?", id)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *BookStore) missingOrConflict(ctx context.Context, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Book{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return translate(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func normalize(b *models.Book) {
	if b.Ratings == nil {
		b.Ratings = []models.Rating{}
	}
}
