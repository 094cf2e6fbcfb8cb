package middleware

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Form fields of an execution upload.
const (
	FieldHydrograph    = "hydrographFile"
	FieldTide          = "tideFile"
	FieldExecutionTime = "executionTime"
	FieldModelName     = "modelName"
)

// UploadConfig holds upload validation rules.
type UploadConfig struct {
	MaxFileBytes int64
	AllowedExts  []string
	AllowedTypes []string
}

func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		MaxFileBytes: 5 << 20,
		AllowedExts:  []string{".txt"},
		AllowedTypes: []string{"text/plain"},
	}
}

// Uploads is a validated execution upload.
type Uploads struct {
	Hydrograph    []byte
	Tide          []byte // nil when no tide file was sent
	ExecutionTime string
	ModelName     string
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// UploadValidator reads and checks multipart execution uploads.
type UploadValidator struct {
	config UploadConfig
}

func NewUploadValidator(config UploadConfig) *UploadValidator {
	if config.MaxFileBytes <= 0 {
		config.MaxFileBytes = DefaultUploadConfig().MaxFileBytes
	}
	return &UploadValidator{config: config}
}

// MaxRequestBytes bounds a whole upload: two files plus form overhead.
func (v *UploadValidator) MaxRequestBytes() int64 {
	return 2*v.config.MaxFileBytes + 64<<10
}

// Parse reads the upload from c. Errors are *ValidationError.
func (v *UploadValidator) Parse(c *gin.Context) (*Uploads, error) {
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &ValidationError{Field: "body", Message: "File upload error: request body too large"}
		}
		return nil, &ValidationError{Field: "body", Message: "File upload error: " + err.Error()}
	}

	hydrograph, err := v.readField(form, FieldHydrograph)
	if err != nil {
		return nil, err
	}
	if hydrograph == nil {
		return nil, &ValidationError{Field: FieldHydrograph, Message: "Hydrograph.txt file is mandatory."}
	}
	tide, err := v.readField(form, FieldTide)
	if err != nil {
		return nil, err
	}

	return &Uploads{
		Hydrograph:    hydrograph,
		Tide:          tide,
		ExecutionTime: formValue(form, FieldExecutionTime),
		ModelName:     strings.TrimSpace(formValue(form, FieldModelName)),
	}, nil
}

func (v *UploadValidator) readField(form *multipart.Form, field string) ([]byte, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 {
		return nil, &ValidationError{Field: field, Message: "File upload error: Unexpected field"}
	}
	fh := files[0]
	if !v.allowed(fh) {
		return nil, &ValidationError{Field: field, Message: "Invalid file type. Only .txt files are allowed."}
	}
	if fh.Size > v.config.MaxFileBytes {
		return nil, &ValidationError{Field: field, Message: "File upload error: File too large"}
	}

	f, err := fh.Open()
	if err != nil {
		return nil, &ValidationError{Field: field, Message: fmt.Sprintf("File upload error: %v", err)}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, v.config.MaxFileBytes+1))
	if err != nil {
		return nil, &ValidationError{Field: field, Message: fmt.Sprintf("File upload error: %v", err)}
	}
	if int64(len(data)) > v.config.MaxFileBytes {
		return nil, &ValidationError{Field: field, Message: "File upload error: File too large"}
	}
	return data, nil
}

// allowed accepts a file whose content type or extension is allowed.
func (v *UploadValidator) allowed(fh *multipart.FileHeader) bool {
	ct := fh.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	for _, t := range v.config.AllowedTypes {
		if strings.EqualFold(strings.TrimSpace(ct), t) {
			return true
		}
	}
	ext := filepath.Ext(fh.Filename)
	for _, e := range v.config.AllowedExts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"message": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}

// CORSMiddleware allows a single origin, like the site's backend or
// frontend. An empty origin disables CORS headers.
func CORSMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin == "" {
			c.Next()
			return
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Vary", "Origin")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds request ID for tracing
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(ContextRequestIDKey)),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
