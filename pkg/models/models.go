package models

import (
	"time"
)

type User struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	Email        string `gorm:"size:254;not null;uniqueIndex"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
}

type Book struct {
	ID            string   `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string   `gorm:"type:uuid;not null;index" json:"userId"`
	Title         string   `gorm:"not null" json:"title"`
	Author        string   `gorm:"not null" json:"author"`
	Year          int      `gorm:"not null" json:"year"`
	Genre         string   `gorm:"not null" json:"genre"`
	ImageURL      string   `json:"imageUrl"`
	Ratings       []Rating `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE" json:"ratings"`
	AverageRating float64  `gorm:"not null;default:0;index" json:"averageRating"`
	// Version is bumped on every write; writers compare-and-set on it.
	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

type Rating struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	BookID    string    `gorm:"type:uuid;not null;uniqueIndex:idx_ratings_book_user" json:"-"`
	UserID    string    `gorm:"type:uuid;not null;uniqueIndex:idx_ratings_book_user" json:"userId"`
	Grade     int       `gorm:"not null;check:grade >= 0 AND grade <= 5" json:"grade"`
	CreatedAt time.Time `json:"-"`
}

// All lists the models managed by AutoMigrate.
func All() []interface{} {
	return []interface{}{&User{}, &Book{}, &Rating{}}
}
