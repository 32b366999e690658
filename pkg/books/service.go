// Package books implements the book catalogue operations: creation with a
// cover image, public reads, owner-only updates and deletes, and rating.
package books

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"grimoire/pkg/apperr"
	"grimoire/pkg/models"
	"grimoire/pkg/rating"
	"grimoire/pkg/store"
)

const (
	BestRatedLimit = 3

	// maxWriteAttempts bounds the re-read loop when a compare-and-set write
	// loses to a concurrent writer.
	maxWriteAttempts = 5
)

var (
	ErrNotFound      = apperr.New(apperr.KindNotFound, "book not found")
	ErrForbidden     = apperr.New(apperr.KindForbidden, "you are not allowed to modify this book")
	ErrIncomplete    = apperr.Validation("title, author, year and genre are required")
	ErrImageRequired = apperr.Validation("book data and image are required")
)

type Store interface {
	Create(ctx context.Context, b *models.Book) error
	List(ctx context.Context) ([]models.Book, error)
	BestRated(ctx context.Context, limit int) ([]models.Book, error)
	Get(ctx context.Context, id string) (*models.Book, error)
	Update(ctx context.Context, b *models.Book) error
	AddRating(ctx context.Context, b *models.Book, r models.Rating) error
	Delete(ctx context.Context, id string) error
}

// Images stores cover images and releases them. Save returns the public URL
// of the stored artifact.
type Images interface {
	Save(ctx context.Context, r io.Reader) (string, error)
	Discard(ctx context.Context, url string) error
}

type Service struct {
	store  Store
	images Images
	log    logrus.FieldLogger
}

func NewService(store Store, images Images, log logrus.FieldLogger) *Service {
	return &Service{store: store, images: images, log: log}
}

func (s *Service) List(ctx context.Context) ([]models.Book, error) {
	books, err := s.store.List(ctx)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list books: %w", err))
	}
	return books, nil
}

func (s *Service) BestRated(ctx context.Context) ([]models.Book, error) {
	books, err := s.store.BestRated(ctx, BestRatedLimit)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list best rated books: %w", err))
	}
	return books, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Book, error) {
	id, ok := canonicalID(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.load(ctx, id)
}

// Create stores image and inserts a book owned by ownerID. Initial ratings
// in the draft are kept only when they belong to the owner.
func (s *Service) Create(ctx context.Context, ownerID string, d Draft, image io.Reader) (*models.Book, error) {
	if image == nil {
		return nil, ErrImageRequired
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	book := models.Book{
		UserID:  ownerID,
		Title:   d.Title,
		Author:  d.Author,
		Year:    *d.Year,
		Genre:   d.Genre,
		Ratings: []models.Rating{},
	}
	for _, r := range d.Ratings {
		if r.UserID != ownerID {
			continue
		}
		var err error
		if book, err = rating.Add(book, ownerID, r.Grade); err != nil {
			return nil, err
		}
	}

	url, err := s.images.Save(ctx, image)
	if err != nil {
		return nil, imageError(err)
	}
	book.ImageURL = url

	if err := s.store.Create(ctx, &book); err != nil {
		s.release(ctx, url)
		return nil, apperr.Internal(fmt.Errorf("create book: %w", err))
	}

	s.log.WithFields(logrus.Fields{"book_id": book.ID, "user_id": ownerID}).Info("Book created")
	return &book, nil
}

// Update applies patch, and replaces the cover when image is non-nil, on a
// book owned by requesterID. The old cover is released only after the new
// one is stored and the book row points at it.
func (s *Service) Update(ctx context.Context, id, requesterID string, patch Patch, image io.Reader) (*models.Book, error) {
	id, ok := canonicalID(id)
	if !ok {
		return nil, ErrNotFound
	}
	book, err := s.loadOwned(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	var newURL string
	if image != nil {
		if newURL, err = s.images.Save(ctx, image); err != nil {
			return nil, imageError(err)
		}
	}

	var oldURL string
	for attempt := 1; ; attempt++ {
		oldURL = book.ImageURL
		patch.Apply(book)
		if newURL != "" {
			book.ImageURL = newURL
		}

		err = s.store.Update(ctx, book)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt == maxWriteAttempts {
			s.release(ctx, newURL)
			return nil, s.writeError("update book", err)
		}
		if book, err = s.loadOwned(ctx, id, requesterID); err != nil {
			s.release(ctx, newURL)
			return nil, err
		}
	}

	if newURL != "" {
		s.release(ctx, oldURL)
	}
	s.log.WithFields(logrus.Fields{"book_id": id, "user_id": requesterID}).Info("Book updated")
	return book, nil
}

// Delete removes a book owned by requesterID, then its cover.
func (s *Service) Delete(ctx context.Context, id, requesterID string) error {
	id, ok := canonicalID(id)
	if !ok {
		return ErrNotFound
	}
	book, err := s.loadOwned(ctx, id, requesterID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return s.writeError("delete book", err)
	}
	s.release(ctx, book.ImageURL)

	s.log.WithFields(logrus.Fields{"book_id": id, "user_id": requesterID}).Info("Book deleted")
	return nil
}

// Rate records grade from userID on the book. Any authenticated user may rate
// a book once.
func (s *Service) Rate(ctx context.Context, id, userID string, grade int) (*models.Book, error) {
	if err := rating.ValidateGrade(grade); err != nil {
		return nil, err
	}
	id, ok := canonicalID(id)
	if !ok {
		return nil, ErrNotFound
	}

	for attempt := 1; ; attempt++ {
		book, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		updated, err := rating.Add(*book, userID, grade)
		if err != nil {
			return nil, err
		}

		err = s.store.AddRating(ctx, &updated, models.Rating{UserID: userID, Grade: grade})
		switch {
		case err == nil:
			return &updated, nil
		case errors.Is(err, store.ErrDuplicate):
			return nil, rating.ErrAlreadyRated
		case errors.Is(err, store.ErrVersionConflict) && attempt < maxWriteAttempts:
			s.log.WithFields(logrus.Fields{"book_id": id, "attempt": attempt}).Debug("Rating lost a concurrent write, retrying")
		default:
			return nil, s.writeError("add rating", err)
		}
	}
}

func (s *Service) load(ctx context.Context, id string) (*models.Book, error) {
	book, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Internal(fmt.Errorf("get book: %w", err))
	}
	return book, nil
}

func (s *Service) loadOwned(ctx context.Context, id, requesterID string) (*models.Book, error) {
	book, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if book.UserID != requesterID {
		s.log.WithFields(logrus.Fields{"book_id": id, "user_id": requesterID}).Warn("Rejected modification by non-owner")
		return nil, ErrForbidden
	}
	return book, nil
}

// release discards an image that is no longer referenced. Failures are only
// logged; the image backend keeps retrying on its own.
func (s *Service) release(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if err := s.images.Discard(ctx, url); err != nil {
		s.log.WithError(err).WithField("image_url", url).Warn("Failed to discard image")
	}
}

func (s *Service) writeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return apperr.Internal(fmt.Errorf("%s: %w", op, err))
}

// imageError passes client-facing upload errors through and hides the rest.
func imageError(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(fmt.Errorf("store image: %w", err))
}

// canonicalID returns id in the canonical UUID form used for every stored
// identifier. Anything that is not a UUID cannot name a book.
func canonicalID(id string) (string, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return u.String(), true
}
