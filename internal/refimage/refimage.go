// Package refimage stores and loads users' reference face images. A
// reference is either an inline data URL or an http(s) URL returned by the
// image host.
package refimage

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"geoattend/internal/cloudinary"
	"geoattend/internal/face"
)

// MaxImageBytes caps downloaded and inline reference images.
const MaxImageBytes = 5 << 20

var (
	// ErrEmpty is returned for an empty reference or image.
	ErrEmpty = errors.New("refimage: empty image")
	// ErrRejected is returned for images that are too large or not images.
	ErrRejected = errors.New("refimage: image rejected")
)

// Uploader pushes an image to a host and returns its URL.
type Uploader interface {
	UploadBytes(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// Resolver saves images through an optional Uploader and loads them back.
type Resolver struct {
	uploader Uploader
	http     *http.Client
}

// New returns a Resolver. A nil uploader keeps images inline as data URLs.
func New(uploader Uploader, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Resolver{uploader: uploader, http: client}
}

// Save stores data for userID and returns the reference to persist.
func (r *Resolver) Save(ctx context.Context, userID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxImageBytes {
		return "", errors.Wrapf(ErrRejected, "image exceeds %d bytes", MaxImageBytes)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return "", errors.Wrapf(ErrRejected, "unsupported content type %q", contentType)
	}
	if _, err := face.Decode(data); err != nil {
		return "", errors.Wrapf(ErrRejected, "undecodable image: %v", err)
	}
	if r.uploader == nil {
		return DataURL(contentType, data), nil
	}
	res, err := r.uploader.UploadBytes(ctx, data, userID+extension(contentType), "ref_"+userID)
	if err != nil {
		return "", errors.Wrap(err, "upload reference image")
	}
	return res.SecureURL, nil
}

// Load returns the image bytes behind ref.
func (r *Resolver) Load(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case ref == "":
		return nil, ErrEmpty
	case strings.HasPrefix(ref, "data:"):
		return DecodeDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.fetch(ctx, ref)
	default:
		return DecodeDataURL(ref)
	}
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "refimage: build request")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "refimage: fetch")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("refimage: fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "refimage: read body")
	}
	if len(data) > MaxImageBytes {
		return nil, errors.Errorf("refimage: image exceeds %d bytes", MaxImageBytes)
	}
	return data, nil
}

// DataURL renders data as a base64 data URL.
func DataURL(contentType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
}

// DecodeDataURL decodes a base64 data URL, or bare base64.
func DecodeDataURL(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 || !strings.HasSuffix(s[:i], ";base64") {
			return nil, errors.New("refimage: malformed data URL")
		}
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "refimage: decode base64")
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return data, nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
