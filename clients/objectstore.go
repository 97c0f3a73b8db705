package clients

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"
	stderrors "errors"
	"github.com/pixelmill/transcode-api/errors"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/metrics"
)

const objectStoreCallTimeout = 30 * time.Second

// Object is one stored object opened for reading. Body is a finite,
// non-restartable stream the caller must close.
type Object struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
	ContentRange  string
	ETag          string
	LastModified  time.Time
}

type ObjectInfo struct {
	Key  string
	Size int64
}

type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	ForcePathStyle  bool
}

// ObjectStore is the S3 adapter every component shares. Transient transport
// and 5xx failures are retried with exponential backoff (250ms, 1s, 4s);
// auth failures and missing keys surface immediately.
type ObjectStore struct {
	s3       *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	host     string
}

func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	awsConfig := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.ForcePathStyle).
		// the adapter runs its own backoff loop
		WithMaxRetries(0)
	if cfg.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating object store session: %w", err)
	}
	client := s3.New(sess)
	return &ObjectStore{
		s3:       client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
		host:     cfg.Endpoint,
	}, nil
}

func transferRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 4
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, 3)
}

var authErrorCodes = []string{
	"AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken",
}

// classifyError maps SDK errors onto the adapter's taxonomy and marks the
// ones retrying cannot help with as permanent for the backoff loop.
func classifyError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := err.(awserr.Error); ok {
		switch {
		case awsErr.Code() == s3.ErrCodeNoSuchKey || awsErr.Code() == "NotFound":
			return errors.Unretriable(errors.NewObjectNotFoundError(key, err))
		case isAuthErrorCode(awsErr.Code()):
			return errors.Unretriable(errors.NewObjectStoreError(op, err))
		}
	}
	return errors.NewObjectStoreError(op, err)
}

func isAuthErrorCode(code string) bool {
	for _, c := range authErrorCodes {
		if code == c {
			return true
		}
	}
	return false
}

func (o *ObjectStore) retry(ctx context.Context, op, key string, call func(ctx context.Context) error) error {
	attempts := 0
	start := time.Now()
	err := backoff.Retry(func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, objectStoreCallTimeout)
		defer cancel()
		return classifyError(op, key, call(callCtx))
	}, backoff.WithContext(transferRetryBackoff(), ctx))

	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(o.host, op).Observe(time.Since(start).Seconds())
	metrics.Metrics.ObjectStoreClient.RetryCount.WithLabelValues(o.host, op).Set(float64(attempts - 1))
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(o.host, op).Inc()
	}
	return unwrapPermanent(err)
}

// unwrapPermanent strips the backoff permanent-error marker so callers see
// the adapter's own error types.
func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if stderrors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// Put streams body into the bucket under key. A non-seekable body cannot be
// replayed, so only seekable bodies are retried on transient failure.
func (o *ObjectStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	upload := func(ctx context.Context) error {
		_, err := o.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(o.bucket),
			Key:         aws.String(key),
			Body:        body,
			ContentType: aws.String(contentType),
		})
		return err
	}
	seeker, seekable := body.(io.ReadSeeker)
	if !seekable {
		callCtx, cancel := context.WithTimeout(ctx, objectStoreCallTimeout)
		defer cancel()
		start := time.Now()
		err := classifyError("put", key, upload(callCtx))
		metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(o.host, "put").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(o.host, "put").Inc()
		}
		return unwrapPermanent(err)
	}
	return o.retry(ctx, "put", key, func(ctx context.Context) error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		return upload(ctx)
	})
}

// GetStream opens key for reading. byteRange is an optional HTTP Range
// header value forwarded verbatim. The object store call deadline covers
// opening the stream only; reading the body is governed by the caller.
func (o *ObjectStore) GetStream(ctx context.Context, key, byteRange string) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}
	if byteRange != "" {
		input.Range = aws.String(byteRange)
	}
	out, err := o.s3.GetObjectWithContext(ctx, input)
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(o.host, "get").Inc()
		return nil, unwrapPermanent(classifyError("get", key, err))
	}
	obj := &Object{Body: out.Body}
	if out.ContentLength != nil {
		obj.ContentLength = *out.ContentLength
	}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	if out.ContentRange != nil {
		obj.ContentRange = *out.ContentRange
	}
	if out.ETag != nil {
		obj.ETag = *out.ETag
	}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}
	return obj, nil
}

// Head returns object metadata without a body.
func (o *ObjectStore) Head(ctx context.Context, key string) (*Object, error) {
	var obj Object
	err := o.retry(ctx, "head", key, func(ctx context.Context) error {
		out, err := o.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		obj = Object{}
		if out.ContentLength != nil {
			obj.ContentLength = *out.ContentLength
		}
		if out.ContentType != nil {
			obj.ContentType = *out.ContentType
		}
		if out.ETag != nil {
			obj.ETag = *out.ETag
		}
		if out.LastModified != nil {
			obj.LastModified = *out.LastModified
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// Download buffers key to localPath, writing to a temp file in the same
// directory and renaming on completion so a crash never leaves a partial
// file under the final name.
func (o *ObjectStore) Download(ctx context.Context, key, localPath string) error {
	return o.retryStream(ctx, "download", key, func(ctx context.Context) error {
		out, err := o.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
		if err != nil {
			return backoff.Permanent(err)
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, out.Body); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), localPath)
	})
}

// retryStream is the retry loop without the fixed per-call deadline, used
// for transfers whose duration scales with object size.
func (o *ObjectStore) retryStream(ctx context.Context, op, key string, call func(ctx context.Context) error) error {
	start := time.Now()
	err := backoff.Retry(func() error {
		return classifyError(op, key, call(ctx))
	}, backoff.WithContext(transferRetryBackoff(), ctx))
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(o.host, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(o.host, op).Inc()
	}
	return unwrapPermanent(err)
}

// UploadTree walks localDir and uploads every regular file under keyPrefix,
// preserving the relative layout. Content types are inferred from the file
// extension.
func (o *ObjectStore) UploadTree(ctx context.Context, localDir, keyPrefix string) error {
	return filepath.Walk(localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		key := path.Join(keyPrefix, filepath.ToSlash(rel))

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := o.Put(ctx, key, f, ContentTypeFor(p)); err != nil {
			return fmt.Errorf("error uploading %s: %w", key, err)
		}
		log.LogCtx(ctx, "uploaded output file", "key", key, "size", info.Size())
		return nil
	})
}

// List returns the keys and sizes under prefix, following continuation
// tokens until the listing is exhausted.
func (o *ObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := o.retry(ctx, "list", prefix, func(ctx context.Context) error {
		objects = objects[:0]
		return o.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(o.bucket),
			Prefix: aws.String(prefix),
		}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				objects = append(objects, ObjectInfo{Key: aws.StringValue(obj.Key), Size: aws.Int64Value(obj.Size)})
			}
			return true
		})
	})
	return objects, err
}

// PresignGet returns a signed URL allowing a temporary read of key.
func (o *ObjectStore) PresignGet(key string, ttl time.Duration) (string, error) {
	req, _ := o.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", errors.NewObjectStoreError("presign", err)
	}
	return url, nil
}

// OutputPrefixFor derives the HLS output tree prefix from a source object
// key by dropping the conventional raw-videos/ segment and the file
// extension: raw-videos/{uuid}-{name}.mp4 becomes {uuid}-{name}.
func OutputPrefixFor(rawObjectKey string) string {
	prefix := strings.TrimPrefix(rawObjectKey, "raw-videos/")
	if ext := path.Ext(prefix); ext != "" {
		prefix = strings.TrimSuffix(prefix, ext)
	}
	return prefix
}

// ContentTypeFor infers the upload content type from a filename.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/MP2T"
	default:
		return "application/octet-stream"
	}
}
