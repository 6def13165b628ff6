package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/face-gallery/internal/enrollment"
	"github.com/example/face-gallery/internal/gallery"
	"github.com/example/face-gallery/internal/imageprocessor"
	"github.com/example/face-gallery/internal/match"
	"github.com/example/face-gallery/internal/repository"
	"github.com/example/face-gallery/internal/usecase"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 10 << 20

// FaceService is the use case surface exposed over HTTP.
type FaceService interface {
	RegisterFace(ctx context.Context, filename string, imageBytes []byte) (gallery.Identity, error)
	DeregisterFace(ctx context.Context, name string) (gallery.Identity, error)
	ListFaces() []gallery.Identity
	VerifyFace(ctx context.Context, imageBytes []byte) (string, *match.Result, error)
	GetResult(ctx context.Context, requestID string) (*usecase.VerificationSummary, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type imageRequest struct {
	ImageBase64 string `json:"image_base64"`
	Filename    string `json:"filename"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc FaceService, maxBodyBytes int64) {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	router.Use(limitBody(maxBodyBytes))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/register-face", func(c *gin.Context) {
		data, req, ok := bindImage(c)
		if !ok {
			return
		}

		identity, err := uc.RegisterFace(c.Request.Context(), req.Filename, data)
		if err != nil {
			c.JSON(registerStatus(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":  "face registered",
			"filename": identity.Name,
		})
	})

	router.POST("/verify-face", func(c *gin.Context) {
		data, _, ok := bindImage(c)
		if !ok {
			return
		}

		requestID, result, err := uc.VerifyFace(c.Request.Context(), data)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "request_id": requestID})
			return
		}
		if !result.Verified {
			c.JSON(http.StatusNotFound, gin.H{
				"message":    "face does not match any registered face",
				"request_id": requestID,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":      "face matches a registered face",
			"matched_with": result.Matched.Name,
			"score":        result.Score,
			"request_id":   requestID,
		})
	})

	router.GET("/faces", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"faces": uc.ListFaces()})
	})

	router.DELETE("/faces/:name", func(c *gin.Context) {
		identity, err := uc.DeregisterFace(c.Request.Context(), c.Param("name"))
		switch {
		case errors.Is(err, gallery.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "face not found"})
			return
		case errors.Is(err, gallery.ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "face removed", "filename": identity.Name})
	})

	router.GET("/verifications/:id", func(c *gin.Context) {
		summary, err := uc.GetResult(c.Request.Context(), c.Param("id"))
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// bindImage decodes the JSON body and its base64 image. It writes the error
// response itself and reports false when the request cannot proceed.
func bindImage(c *gin.Context) ([]byte, imageRequest, bool) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return nil, req, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return nil, req, false
	}
	if req.ImageBase64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_base64 is required"})
		return nil, req, false
	}
	data, err := imageprocessor.DecodeBase64(req.ImageBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, req, false
	}
	return data, req, true
}

func registerStatus(err error) int {
	switch {
	case errors.Is(err, gallery.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, gallery.ErrConflict), errors.Is(err, enrollment.ErrDuplicateImage):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
