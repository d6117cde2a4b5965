package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// URLChecker reports whether any message row references the given
// attachment URL.
type URLChecker interface {
	AttachmentReferenced(ctx context.Context, url string) (bool, error)
}

// SweepOrphans deletes stored attachments old enough to be settled that
// no message row references. An upload whose message insert failed
// leaves such an orphan behind; cleanup happens here, asynchronously,
// rather than inline in the send path.
func (s *S3Store) SweepOrphans(ctx context.Context, checker URLChecker, olderThan time.Duration) (deleted int, err error) {
	cutoff := time.Now().Add(-olderThan)

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(attachmentRoot + "/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return deleted, err
		}
		for _, obj := range page.Contents {
			if obj.LastModified == nil || obj.LastModified.After(cutoff) {
				continue
			}
			key := aws.ToString(obj.Key)
			// Thumbnails are never referenced by messages directly;
			// they live and die with their original.
			refKey := key
			if dir, file := path.Split(key); strings.HasPrefix(file, "thumb_") {
				refKey = dir + strings.TrimPrefix(file, "thumb_")
			}
			ref, err := checker.AttachmentReferenced(ctx, s.publicURL(refKey))
			if err != nil {
				return deleted, err
			}
			if ref {
				continue
			}
			_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				s.log.Warnw("orphan delete failed", "key", key, "err", err)
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}
