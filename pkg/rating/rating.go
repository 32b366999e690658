// Package rating holds the pure rules for adding a grade to a book.
package rating

import (
	"grimoire/pkg/apperr"
	"grimoire/pkg/models"
)

const (
	MinGrade = 0
	MaxGrade = 5
)

var (
	ErrInvalidGrade = apperr.Validation("rating must be an integer between 0 and 5")
	ErrAlreadyRated = apperr.New(apperr.KindConflict, "user has already rated this book")
)

func ValidateGrade(grade int) error {
	if grade < MinGrade || grade > MaxGrade {
		return ErrInvalidGrade
	}
	return nil
}

// Average is the arithmetic mean of the grades, 0 when there are none.
func Average(rs []models.Rating) float64 {
	if len(rs) == 0 {
		return 0
	}
	sum := 0
	for _, r := range rs {
		sum += r.Grade
	}
	return float64(sum) / float64(len(rs))
}

// HasRated reports whether userID already has a rating in rs.
func HasRated(rs []models.Rating, userID string) bool {
	for _, r := range rs {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Add returns a copy of b with the grade from userID appended and the average
// recomputed. b itself is left untouched.
func Add(b models.Book, userID string, grade int) (models.Book, error) {
	if err := ValidateGrade(grade); err != nil {
		return b, err
	}
	if HasRated(b.Ratings, userID) {
		return b, ErrAlreadyRated
	}

	ratings := make([]models.Rating, len(b.Ratings), len(b.Ratings)+1)
	copy(ratings, b.Ratings)
	ratings = append(ratings, models.Rating{BookID: b.ID, UserID: userID, Grade: grade})

	b.Ratings = ratings
	b.AverageRating = Average(ratings)
	return b, nil
}
