// Package storage uploads message attachments to S3 and hands back
// public URLs. Image attachments also get a bounded thumbnail.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	attachmentRoot = "message_attachments"
	thumbMaxPx     = 320
)

type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	region   string
	log      *zap.SugaredLogger
}

func NewS3Store(ctx context.Context, region, bucket string, log *zap.SugaredLogger) (*S3Store, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		region:   region,
		log:      log,
	}, nil
}

// Upload stores the attachment under a per-conversation prefix and
// returns its public URL. For images a thumbnail is uploaded alongside;
// a thumbnail failure does not fail the attachment.
func (s *S3Store) Upload(ctx context.Context, conversationID, filename, contentType string, data []byte) (string, error) {
	ext := path.Ext(filename)
	key := fmt.Sprintf("%s/%s/%d-%s%s", attachmentRoot, conversationID, time.Now().UnixMilli(), uuid.NewString()[:8], ext)

	if err := s.put(ctx, key, contentType, data); err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}

	if strings.HasPrefix(contentType, "image/") {
		if err := s.putThumbnail(ctx, key, data); err != nil {
			s.log.Warnw("thumbnail not generated", "key", key, "err", err)
		}
	}
	return s.publicURL(key), nil
}

func (s *S3Store) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

func (s *S3Store) putThumbnail(ctx context.Context, key string, data []byte) error {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	thumb := imaging.Fit(img, thumbMaxPx, thumbMaxPx, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return err
	}
	dir, file := path.Split(key)
	return s.put(ctx, dir+"thumb_"+file, "image/jpeg", buf.Bytes())
}

func (s *S3Store) publicURL(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, strings.Join(segs, "/"))
}
