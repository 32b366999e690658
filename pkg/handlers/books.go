package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"grimoire/pkg/apperr"
	"grimoire/pkg/books"
	"grimoire/pkg/metrics"
	"grimoire/pkg/middleware"
	"grimoire/pkg/models"
	"grimoire/pkg/rating"
)

const (
	bookField  = "book"
	imageField = "image"

	// multipartOverhead is allowed on top of the image size limit for the
	// book JSON and multipart framing.
	multipartOverhead = 1 << 20
)

var errBadBookData = apperr.Validation("invalid book data")

// bookDataError keeps a year rejection visible and reports every other
// decoding failure as invalid book data.
func bookDataError(err error) error {
	if errors.Is(err, books.ErrInvalidYear) {
		return books.ErrInvalidYear
	}
	return errBadBookData
}

type BookService interface {
	List(ctx context.Context) ([]models.Book, error)
	BestRated(ctx context.Context) ([]models.Book, error)
	Get(ctx context.Context, id string) (*models.Book, error)
	Create(ctx context.Context, ownerID string, d books.Draft, image io.Reader) (*models.Book, error)
	Update(ctx context.Context, id, requesterID string, p books.Patch, image io.Reader) (*models.Book, error)
	Delete(ctx context.Context, id, requesterID string) error
	Rate(ctx context.Context, id, userID string, grade int) (*models.Book, error)
}

type BookHandler struct {
	svc            BookService
	metrics        *metrics.Metrics
	maxUploadBytes int64
}

func NewBookHandler(svc BookService, m *metrics.Metrics, maxUploadBytes int64) *BookHandler {
	return &BookHandler{svc: svc, metrics: m, maxUploadBytes: maxUploadBytes}
}

func (h *BookHandler) List(c *gin.Context) {
	list, err := h.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *BookHandler) BestRated(c *gin.Context) {
	list, err := h.svc.BestRated(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *BookHandler) Get(c *gin.Context) {
	book, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// Create expects a multipart form with the book as a JSON string in "book"
// and the cover in "image".
func (h *BookHandler) Create(c *gin.Context) {
	h.limitBody(c)

	image, closeImage, err := h.formImage(c)
	if err != nil {
		respondError(c, err)
		return
	}
	defer closeImage()
	raw := c.PostForm(bookField)
	if strings.TrimSpace(raw) == "" || image == nil {
		respondError(c, books.ErrImageRequired)
		return
	}

	var draft books.Draft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		respondError(c, bookDataError(err))
		return
	}

	book, err := h.svc.Create(c.Request.Context(), middleware.UserID(c), draft, image)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "book created", "book": book})
}

// Update accepts a JSON patch body, or a multipart form carrying the patch
// either as a JSON "book" field or as plain fields, plus an optional image.
func (h *BookHandler) Update(c *gin.Context) {
	h.limitBody(c)

	var (
		patch books.Patch
		image io.Reader
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		img, closeImage, err := h.formImage(c)
		if err != nil {
			respondError(c, err)
			return
		}
		defer closeImage()
		image = img
		if patch, err = formPatch(c); err != nil {
			respondError(c, err)
			return
		}
	} else if err := c.ShouldBindJSON(&patch); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, bookDataError(err))
		return
	}

	book, err := h.svc.Update(c.Request.Context(), c.Param("id"), middleware.UserID(c), patch, image)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "book updated", "book": book})
}

func (h *BookHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "book deleted"})
}

type ratingRequest struct {
	Rating *int `json:"rating"`
}

func (h *BookHandler) Rate(c *gin.Context) {
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Rating == nil {
		h.metrics.Rating(rating.ErrInvalidGrade)
		respondError(c, rating.ErrInvalidGrade)
		return
	}

	book, err := h.svc.Rate(c.Request.Context(), c.Param("id"), middleware.UserID(c), *req.Rating)
	h.metrics.Rating(err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (h *BookHandler) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
}

// formImage opens the uploaded image, if any. The returned close func is
// always safe to call.
func (h *BookHandler) formImage(c *gin.Context) (io.Reader, func(), error) {
	noop := func() {}
	fh, err := c.FormFile(imageField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return nil, noop, apperr.Validation("request body is too large")
		case errors.Is(err, http.ErrMissingFile):
			return nil, noop, nil
		default:
			return nil, noop, errBadBody
		}
	}
	f, err := fh.Open()
	if err != nil {
		return nil, noop, apperr.Internal(err)
	}
	return f, func() { f.Close() }, nil
}

func formPatch(c *gin.Context) (books.Patch, error) {
	var p books.Patch
	if raw := c.PostForm(bookField); strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return p, bookDataError(err)
		}
		return p, nil
	}

	for field, dst := range map[string]**string{"title": &p.Title, "author": &p.Author, "genre": &p.Genre} {
		if v, ok := c.GetPostForm(field); ok {
			*dst = &v
		}
	}
	if v, ok := c.GetPostForm("year"); ok {
		year, err := books.ParseYear(v)
		if err != nil {
			return p, err
		}
		p.Year = year
	}
	return p, nil
}
