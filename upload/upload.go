// Package upload validates raw document uploads and extracts plain text.
//
// Accepted content types: text/plain and application/pdf. Everything else
// is rejected before the payload is inspected. Validation has no side
// effects — persistence and ingestion happen elsewhere.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"unicode/utf8"
)

// DefaultMaxBytes is the upload size limit when Config.MaxBytes is unset.
const DefaultMaxBytes = 5 * 1024 * 1024

// ErrUnsupportedType is returned for content types outside the allow-list.
type ErrUnsupportedType struct {
	ContentType string
}

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("upload: unsupported content type: %q", e.ContentType)
}

// ErrTooLarge is returned when the payload exceeds the size limit.
type ErrTooLarge struct {
	Size  int64
	Limit int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("upload: payload too large: %d bytes (max %d)", e.Size, e.Limit)
}

// ErrMalformed is returned when the payload cannot be decoded as its
// declared type.
type ErrMalformed struct {
	Cause error
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("upload: malformed document: %v", e.Cause)
}

func (e *ErrMalformed) Unwrap() error { return e.Cause }

// Config configures a Validator.
type Config struct {
	// MaxBytes is the maximum accepted payload size. Default: 5 MiB.
	MaxBytes int64

	// Logger for debug messages. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validator enforces the upload policy and extracts text.
type Validator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Validator with the given configuration.
func New(cfg Config) *Validator {
	cfg.defaults()
	return &Validator{cfg: cfg, logger: cfg.Logger}
}

// MaxBytes returns the configured size limit, for transports that can
// reject oversized requests before buffering them.
func (v *Validator) MaxBytes() int64 { return v.cfg.MaxBytes }

// CheckSize rejects a declared size exceeding the limit. Transports with a
// size hint (Content-Length, multipart part size) call this before reading
// the payload; Validate re-checks against the actual byte count.
func (v *Validator) CheckSize(size int64) error {
	if size > v.cfg.MaxBytes {
		return &ErrTooLarge{Size: size, Limit: v.cfg.MaxBytes}
	}
	return nil
}

// Validate checks content against the upload policy and returns the
// extracted plain text. sizeHint is the transport-declared size, or a
// value <= 0 when the transport has none.
func (v *Validator) Validate(ctx context.Context, content []byte, contentType string, sizeHint int64) (string, error) {
	if sizeHint > 0 {
		if err := v.CheckSize(sizeHint); err != nil {
			return "", err
		}
	}
	if err := v.CheckSize(int64(len(content))); err != nil {
		return "", err
	}

	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	v.logger.Debug("validating upload", "content_type", mediaType, "bytes", len(content))

	switch mediaType {
	case "text/plain":
		return decodePlainText(content)
	case "application/pdf":
		return extractPDFText(ctx, content)
	default:
		return "", &ErrUnsupportedType{ContentType: contentType}
	}
}

// decodePlainText validates the payload as UTF-8 and returns it verbatim.
func decodePlainText(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", &ErrMalformed{Cause: fmt.Errorf("invalid UTF-8 sequence")}
	}
	return string(content), nil
}
