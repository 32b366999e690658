package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"grimoire/pkg/auth"
	"grimoire/pkg/books"
	"grimoire/pkg/config"
	"grimoire/pkg/database"
	"grimoire/pkg/images"
	"grimoire/pkg/metrics"
	"grimoire/pkg/store"
)

const testSecret = "grimoire_test_jwt_secret_key_1234567890"

type bookJSON struct {
	ID            string  `json:"id"`
	UserID        string  `json:"userId"`
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	Year          int     `json:"year"`
	Genre         string  `json:"genre"`
	ImageURL      string  `json:"imageUrl"`
	AverageRating float64 `json:"averageRating"`
	Ratings       []struct {
		UserID string `json:"userId"`
		Grade  int    `json:"grade"`
	} `json:"ratings"`
}

type testServer struct {
	router    *gin.Engine
	uploadDir string
}

func newRouterForDB(t *testing.T, db *gorm.DB, uploadDir string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, _ := test.NewNullLogger()

	tokens := auth.NewTokenService(testSecret, time.Hour)
	authSvc, err := auth.NewService(store.NewUserStore(db), auth.NewBcryptHasher(bcrypt.MinCost), tokens, log)
	require.NoError(t, err)

	backend, err := images.NewDiskBackend(uploadDir, "")
	require.NoError(t, err)
	janitor := images.NewJanitor(backend, time.Second, 3, log)
	pipeline := images.NewPipeline(images.NewProcessor(800, 1<<20, images.DefaultMaxPixels), backend, janitor)

	return NewRouter(Deps{
		Auth:           authSvc,
		Books:          books.NewService(store.NewBookStore(db), pipeline, log),
		Tokens:         tokens,
		DB:             db,
		Metrics:        metrics.New(),
		Log:            log,
		CORSOrigins:    []string{"http://localhost:3000"},
		UploadDir:      uploadDir,
		MaxUploadBytes: 1 << 20,
	})
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()
	db, err := database.Open(config.Database{Driver: config.DriverSQLite, SQLitePath: ":memory:", ConnectRetries: 1}, log)
	require.NoError(t, err)

	dir := t.TempDir()
	return &testServer{router: newRouterForDB(t, db, dir), uploadDir: dir}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, url, token string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 20))))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, method, url, token string, fields map[string]string, img []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if img != nil {
		fw, err := mw.CreateFormFile("image", "cover.png")
		require.NoError(t, err)
		_, err = fw.Write(img)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (s *testServer) signup(t *testing.T, email string) auth.Session {
	t.Helper()
	w := s.do(jsonRequest(http.MethodPost, "/api/auth/signup", "", gin.H{"email": email, "password": "Abcdef12"}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session auth.Session
	decode(t, w, &session)
	return session
}

func (s *testServer) createBook(t *testing.T, token string) bookJSON {
	t.Helper()
	w := s.do(multipartRequest(t, http.MethodPost, "/api/books", token,
		map[string]string{"book": `{"title":"Dune","author":"Frank Herbert","year":1965,"genre":"SF"}`}, pngImage(t)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Message string   `json:"message"`
		Book    bookJSON `json:"book"`
	}
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.Message)
	return resp.Book
}

func (s *testServer) imageExists(url string) bool {
	_, err := os.Stat(filepath.Join(s.uploadDir, path.Base(url)))
	return err == nil
}

func TestSignupAndLogin(t *testing.T) {
	s := setupServer(t)

	session := s.signup(t, "a@b.com")
	assert.NotEmpty(t, session.UserID)
	assert.NotEmpty(t, session.Token)

	w := s.do(jsonRequest(http.MethodPost, "/api/auth/login", "", gin.H{"email": "a@b.com", "password": "Abcdef12"}))
	require.Equal(t, http.StatusOK, w.Code)
	var login auth.Session
	decode(t, w, &login)
	assert.Equal(t, session.UserID, login.UserID)

	verified, err := auth.NewTokenService(testSecret, time.Hour).Verify(login.Token)
	require.NoError(t, err)
	assert.Equal(t, session.UserID, verified)
}

func TestAuthErrors(t *testing.T) {
	s := setupServer(t)
	s.signup(t, "a@b.com")

	tests := []struct {
		name    string
		path    string
		body    interface{}
		message string
	}{
		{"wrong password", "/api/auth/login", gin.H{"email": "a@b.com", "password": "wrong"}, "invalid credentials"},
		{"unknown email", "/api/auth/login", gin.H{"email": "x@b.com", "password": "Abcdef12"}, "invalid credentials"},
		{"duplicate email", "/api/auth/signup", gin.H{"email": "a@b.com", "password": "Xyzxyz99"}, auth.ErrEmailTaken.Message},
		{"invalid email", "/api/auth/signup", gin.H{"email": "nope", "password": "Abcdef12"}, auth.ErrInvalidEmail.Message},
		{"weak password", "/api/auth/signup", gin.H{"email": "c@b.com", "password": "abc"}, auth.ErrWeakPassword.Message},
		{"malformed body", "/api/auth/signup", "not an object", "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(jsonRequest(http.MethodPost, tt.path, "", tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body map[string]string
			decode(t, w, &body)
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestBookLifecycle(t *testing.T) {
	s := setupServer(t)
	owner := s.signup(t, "owner@b.com")
	reader := s.signup(t, "reader@b.com")

	book := s.createBook(t, owner.Token)
	assert.Equal(t, owner.UserID, book.UserID)
	assert.True(t, strings.HasPrefix(book.ImageURL, "/uploads/"))
	assert.True(t, strings.HasSuffix(book.ImageURL, ".jpg"))
	assert.True(t, s.imageExists(book.ImageURL))
	assert.NotNil(t, book.Ratings)

	// Public reads.
	w := s.do(httptest.NewRequest(http.MethodGet, "/api/books", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []bookJSON
	decode(t, w, &list)
	assert.Len(t, list, 1)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/books/"+book.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, book.ImageURL, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Ratings.
	w = s.do(jsonRequest(http.MethodPost, "/api/books/"+book.ID+"/rating", reader.Token, gin.H{"rating": 4}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(jsonRequest(http.MethodPost, "/api/books/"+book.ID+"/rating", owner.Token, gin.H{"rating": 2}))
	require.Equal(t, http.StatusCreated, w.Code)
	var rated bookJSON
	decode(t, w, &rated)
	assert.Equal(t, 3.0, rated.AverageRating)

	w = s.do(jsonRequest(http.MethodPost, "/api/books/"+book.ID+"/rating", reader.Token, gin.H{"rating": 5}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Non-owner mutations.
	w = s.do(jsonRequest(http.MethodPut, "/api/books/"+book.ID, reader.Token, gin.H{"title": "Stolen"}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(jsonRequest(http.MethodDelete, "/api/books/"+book.ID, reader.Token, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Owner JSON update.
	w = s.do(jsonRequest(http.MethodPut, "/api/books/"+book.ID, owner.Token, gin.H{"title": "Dune Messiah", "year": 1969}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated struct {
		Book bookJSON `json:"book"`
	}
	decode(t, w, &updated)
	assert.Equal(t, "Dune Messiah", updated.Book.Title)
	assert.Equal(t, 1969, updated.Book.Year)
	assert.Equal(t, "Frank Herbert", updated.Book.Author)
	assert.Equal(t, 3.0, updated.Book.AverageRating)

	// Owner multipart update with a new cover releases the old one.
	w = s.do(multipartRequest(t, http.MethodPut, "/api/books/"+book.ID, owner.Token, map[string]string{"genre": "Science Fiction"}, pngImage(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &updated)
	assert.Equal(t, "Science Fiction", updated.Book.Genre)
	assert.Equal(t, "Dune Messiah", updated.Book.Title)
	assert.NotEqual(t, book.ImageURL, updated.Book.ImageURL)
	assert.True(t, s.imageExists(updated.Book.ImageURL))
	assert.False(t, s.imageExists(book.ImageURL))

	// Delete.
	w = s.do(jsonRequest(http.MethodDelete, "/api/books/"+book.ID, owner.Token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.imageExists(updated.Book.ImageURL))

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/books/"+book.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := setupServer(t)
	owner := s.signup(t, "owner@b.com")
	book := s.createBook(t, owner.Token)

	requests := []*http.Request{
		multipartRequest(t, http.MethodPost, "/api/books", "", map[string]string{"book": "{}"}, pngImage(t)),
		jsonRequest(http.MethodPut, "/api/books/"+book.ID, "", gin.H{"title": "x"}),
		jsonRequest(http.MethodDelete, "/api/books/"+book.ID, "", nil),
		jsonRequest(http.MethodPost, "/api/books/"+book.ID+"/rating", "", gin.H{"rating": 3}),
		jsonRequest(http.MethodDelete, "/api/books/"+book.ID, "not-a-jwt", nil),
	}
	for _, req := range requests {
		w := s.do(req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, req.Method+" "+req.URL.Path)
		assert.Contains(t, w.Body.String(), "message")
	}
}

func TestCreateBookValidation(t *testing.T) {
	s := setupServer(t)
	owner := s.signup(t, "owner@b.com")

	tests := []struct {
		name   string
		fields map[string]string
		img    []byte
	}{
		{"missing image", map[string]string{"book": `{"title":"Dune","author":"F","year":1965,"genre":"SF"}`}, nil},
		{"missing book", map[string]string{}, pngImage(t)},
		{"malformed book", map[string]string{"book": `{"title":`}, pngImage(t)},
		{"missing fields", map[string]string{"book": `{"title":"Dune"}`}, pngImage(t)},
		{"not an image", map[string]string{"book": `{"title":"Dune","author":"F","year":1965,"genre":"SF"}`}, []byte("plain text")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(multipartRequest(t, http.MethodPost, "/api/books", owner.Token, tt.fields, tt.img))
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	entries, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateBookYearAsText(t *testing.T) {
	s := setupServer(t)
	owner := s.signup(t, "owner@b.com")

	w := s.do(multipartRequest(t, http.MethodPost, "/api/books", owner.Token,
		map[string]string{"book": `{"title":"Dune","author":"Frank Herbert","year":"1965","genre":"SF"}`}, pngImage(t)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"year":1965`)

	w = s.do(multipartRequest(t, http.MethodPost, "/api/books", owner.Token,
		map[string]string{"book": `{"title":"Dune","author":"Frank Herbert","year":"soon","genre":"SF"}`}, pngImage(t)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"message":"year must be an integer"}`, w.Body.String())
}

func TestRatingValidation(t *testing.T) {
	s := setupServer(t)
	owner := s.signup(t, "owner@b.com")
	book := s.createBook(t, owner.Token)

	for _, body := range []interface{}{gin.H{"rating": 6}, gin.H{"rating": -1}, gin.H{"rating": 2.5}, gin.H{}, "x"} {
		w := s.do(jsonRequest(http.MethodPost, "/api/books/"+book.ID+"/rating", owner.Token, body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}

	w := s.do(jsonRequest(http.MethodPost, "/api/books/00000000-0000-0000-0000-000000000000/rating", owner.Token, gin.H{"rating": 3}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBestRating(t *testing.T) {
	s := setupServer(t)
	owner := s.signup(t, "owner@b.com")

	for _, grade := range []int{2, 5, 1, 4} {
		b := s.createBook(t, owner.Token)
		w := s.do(jsonRequest(http.MethodPost, "/api/books/"+b.ID+"/rating", owner.Token, gin.H{"rating": grade}))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/books/bestrating", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var best []bookJSON
	decode(t, w, &best)
	require.Len(t, best, 3)
	assert.Equal(t, []float64{5, 4, 2}, []float64{best[0].AverageRating, best[1].AverageRating, best[2].AverageRating})
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/manage/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]string
	decode(t, w, &health)
	assert.Equal(t, "UP", health["status"])

	w = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "grimoire_http_requests_total")
}

func TestInfrastructureFailuresAre500(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	router := newRouterForDB(t, db, t.TempDir())

	mock.ExpectQuery(`SELECT .* FROM "books"`).WillReturnError(errors.New("connection refused"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/books", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"message":"internal server error"}`, w.Body.String())

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/manage/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "DOWN")

	assert.NoError(t, mock.ExpectationsWereMet())
}
