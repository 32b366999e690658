package books

import (
	"encoding/json"
	"strconv"
	"strings"

	"grimoire/pkg/apperr"
	"grimoire/pkg/models"
)

var ErrInvalidYear = apperr.Validation("year must be an integer")

// Draft is the client payload for a new book.
type Draft struct {
	Title   string        `json:"title"`
	Author  string        `json:"author"`
	Year    *int          `json:"year"`
	Genre   string        `json:"genre"`
	Ratings []DraftRating `json:"ratings"`
}

// UnmarshalJSON accepts the year as a JSON number or a numeric string.
func (d *Draft) UnmarshalJSON(data []byte) error {
	type plain Draft
	aux := struct {
		*plain
		Year json.RawMessage `json:"year"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	year, err := decodeYear(aux.Year)
	if err != nil {
		return err
	}
	d.Year = year
	return nil
}

type DraftRating struct {
	UserID string `json:"userId"`
	Grade  int    `json:"grade"`
}

// Validate checks that every descriptive field is present. Text fields are
// trimmed in place.
func (d *Draft) Validate() error {
	d.Title = strings.TrimSpace(d.Title)
	d.Author = strings.TrimSpace(d.Author)
	d.Genre = strings.TrimSpace(d.Genre)
	if d.Title == "" || d.Author == "" || d.Genre == "" || d.Year == nil {
		return ErrIncomplete
	}
	return nil
}

// Patch carries the fields of a partial update. A nil field keeps the stored
// value.
type Patch struct {
	Title  *string `json:"title"`
	Author *string `json:"author"`
	Year   *int    `json:"year"`
	Genre  *string `json:"genre"`
}

// UnmarshalJSON accepts the year as a JSON number or a numeric string.
func (p *Patch) UnmarshalJSON(data []byte) error {
	type plain Patch
	aux := struct {
		*plain
		Year json.RawMessage `json:"year"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	year, err := decodeYear(aux.Year)
	if err != nil {
		return err
	}
	p.Year = year
	return nil
}

// ParseYear reads a year typed as text. Blank input yields nil.
func ParseYear(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, ErrInvalidYear
	}
	return &n, nil
}

func decodeYear(raw json.RawMessage) (*int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, ErrInvalidYear
	}
	return ParseYear(s)
}

// Apply merges p into b. Blank text keeps the stored text, so required
// fields can never be cleared. A provided year always overwrites, zero
// included.
func (p Patch) Apply(b *models.Book) {
	b.Title = mergeText(b.Title, p.Title)
	b.Author = mergeText(b.Author, p.Author)
	b.Genre = mergeText(b.Genre, p.Genre)
	if p.Year != nil {
		b.Year = *p.Year
	}
}

func mergeText(current string, v *string) string {
	if v == nil {
		return current
	}
	if s := strings.TrimSpace(*v); s != "" {
		return s
	}
	return current
}
