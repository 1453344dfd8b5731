package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/sirupsen/logrus"

	"chat-service/internal/logging"
	"chat-service/internal/observability"
)

// ObjectStore is the slice of an S3-compatible client the broker needs.
// *minio.Client satisfies it.
type ObjectStore interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	PresignHeader(ctx context.Context, method, bucketName, objectName string, expires time.Duration, reqParams url.Values, extraHeaders http.Header) (*url.URL, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObjects(ctx context.Context, bucketName string, objectsCh <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
}

// UploadTicket is a signed upload target.
type UploadTicket struct {
	URL       string            `json:"url"`
	MediaPath string            `json:"mediaPath"`
	Headers   map[string]string `json:"headers"`
}

// Broker issues short-lived signed URLs for private chat media and purges
// thread folders. Objects are never made public.
type Broker struct {
	store   ObjectStore
	bucket  string
	allowed map[string]string
	log     *logrus.Entry
	newName func() string
}

// NewBroker constructs a Broker. allowedTypes is the image MIME allow-list.
func NewBroker(store ObjectStore, bucket string, allowedTypes []string, log *logrus.Entry) *Broker {
	allowed := make(map[string]string, len(allowedTypes))
	for _, ct := range allowedTypes {
		ct = strings.ToLower(strings.TrimSpace(ct))
		if ct == "" {
			continue
		}
		allowed[ct] = extensionFor(ct)
	}
	return &Broker{
		store:   store,
		bucket:  bucket,
		allowed: allowed,
		log:     logging.Component(log, "media"),
		newName: uuid.NewString,
	}
}

// AllowsContentType reports whether contentType is on the allow-list.
func (b *Broker) AllowsContentType(contentType string) bool {
	_, ok := b.allowed[normalizeContentType(contentType)]
	return ok
}

// ValidateThreadPath reports whether objectPath names an object inside the
// thread's folder. The folder itself is not an object.
func (b *Broker) ValidateThreadPath(threadID int64, objectPath string) bool {
	if ValidatePath(objectPath) != nil {
		return false
	}
	name, ok := strings.CutPrefix(objectPath, ThreadPrefix(threadID))
	return ok && name != ""
}

// NewThreadObjectPath generates a server-side object name for an upload.
func (b *Broker) NewThreadObjectPath(threadID int64, contentType string) (string, bool) {
	ext, ok := b.allowed[normalizeContentType(contentType)]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s%s.%s", ThreadPrefix(threadID), b.newName(), ext), true
}

// SignGetURL returns a download URL valid for ttl, or "" when the path fails
// validation. A storage error is returned as-is.
func (b *Broker) SignGetURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	if err := ValidatePath(objectPath); err != nil {
		b.log.WithError(err).Warn("refusing to sign download")
		return "", nil
	}
	u, err := b.store.PresignedGetObject(ctx, b.bucket, objectPath, ttl, nil)
	if err != nil {
		observability.IncSigningFailure("get")
		return "", fmt.Errorf("presign get %s: %w", objectPath, err)
	}
	return u.String(), nil
}

// SignPutURL returns an upload URL bound to contentType plus the headers the
// client must send. The ticket is empty when the path or type is rejected.
func (b *Broker) SignPutURL(ctx context.Context, objectPath, contentType string, ttl time.Duration) (UploadTicket, error) {
	if err := ValidatePath(objectPath); err != nil {
		b.log.WithError(err).Warn("refusing to sign upload")
		return UploadTicket{Headers: map[string]string{}}, nil
	}
	contentType = normalizeContentType(contentType)
	if _, ok := b.allowed[contentType]; !ok {
		b.log.WithField("content_type", contentType).Warn("refusing to sign upload for content type")
		return UploadTicket{Headers: map[string]string{}}, nil
	}

	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	u, err := b.store.PresignHeader(ctx, http.MethodPut, b.bucket, objectPath, ttl, nil, headers)
	if err != nil {
		observability.IncSigningFailure("put")
		return UploadTicket{Headers: map[string]string{}}, fmt.Errorf("presign put %s: %w", objectPath, err)
	}
	return UploadTicket{
		URL:       u.String(),
		MediaPath: objectPath,
		Headers:   map[string]string{"Content-Type": contentType},
	}, nil
}

// DeleteByPrefix removes every object under prefix and returns how many were
// deleted. An unsafe prefix is refused without touching storage.
func (b *Broker) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ValidatePrefix(prefix); err != nil {
		b.log.WithError(err).WithField("prefix", prefix).Error("refusing prefix purge")
		return 0, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listed := b.store.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	toRemove := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	queued := 0

	go func() {
		var err error
		defer close(toRemove)
		defer func() { listErr <- err }()
		for obj := range listed {
			if obj.Err != nil {
				err = obj.Err
				return
			}
			select {
			case toRemove <- obj:
				queued++
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
	}()

	failed := 0
	var firstErr error
	for rmErr := range b.store.RemoveObjects(ctx, b.bucket, toRemove, minio.RemoveObjectsOptions{}) {
		failed++
		if firstErr == nil {
			firstErr = rmErr.Err
		}
		b.log.WithError(rmErr.Err).WithField("object", rmErr.ObjectName).Warn("object removal failed")
	}

	if err := <-listErr; err != nil {
		return queued - failed, fmt.Errorf("list %s: %w", prefix, err)
	}
	if firstErr != nil {
		return queued - failed, fmt.Errorf("remove under %s: %w", prefix, firstErr)
	}
	return queued, nil
}

func normalizeContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

var imageExtensions = map[string]string{
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/heic":    "heic",
	"image/heif":    "heif",
	"image/bmp":     "bmp",
	"image/tiff":    "tiff",
	"image/svg+xml": "svg",
}

func extensionFor(contentType string) string {
	if ext, ok := imageExtensions[contentType]; ok {
		return ext
	}
	if i := strings.IndexByte(contentType, '/'); i >= 0 && i < len(contentType)-1 {
		sub := contentType[i+1:]
		if j := strings.IndexAny(sub, "+;."); j > 0 {
			sub = sub[:j]
		}
		return sub
	}
	return "bin"
}
