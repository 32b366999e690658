package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"grimoire/pkg/images"
	"grimoire/pkg/metrics"
	"grimoire/pkg/middleware"
)

// Deps is everything the router needs. Limiter and UploadDir are optional.
type Deps struct {
	Auth    AuthService
	Books   BookService
	Tokens  middleware.TokenVerifier
	DB      *gorm.DB
	Metrics *metrics.Metrics
	Limiter *middleware.RateLimiter
	Log     logrus.FieldLogger

	CORSOrigins    []string
	UploadDir      string
	MaxUploadBytes int64
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = d.MaxUploadBytes
	r.Use(
		middleware.RequestLogger(d.Log),
		gin.CustomRecovery(func(c *gin.Context, recovered any) {
			middleware.Logger(c).WithField("panic", recovered).Error("Recovered from panic")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
		}),
		d.Metrics.Middleware(),
		middleware.CORS(d.CORSOrigins),
	)

	r.GET("/manage/health", NewHealthHandler(d.DB).Check)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	if d.UploadDir != "" {
		r.Static(images.UploadsPath, d.UploadDir)
	}

	api := r.Group("/api")
	if d.Limiter != nil {
		api.Use(d.Limiter.Handler())
	}

	authH := NewAuthHandler(d.Auth, d.Metrics)
	api.POST("/auth/signup", authH.Signup)
	api.POST("/auth/login", authH.Login)

	booksH := NewBookHandler(d.Books, d.Metrics, d.MaxUploadBytes)
	requireAuth := middleware.RequireAuth(d.Tokens)
	api.GET("/books", booksH.List)
	api.GET("/books/bestrating", booksH.BestRated)
	api.GET("/books/:id", booksH.Get)
	api.POST("/books", requireAuth, booksH.Create)
	api.PUT("/books/:id", requireAuth, booksH.Update)
	api.DELETE("/books/:id", requireAuth, booksH.Delete)
	api.POST("/books/:id/rating", requireAuth, booksH.Rate)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
	})
	return r
}
