package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cheggaaa/pb/v3"
	"github.com/go-kit/kit/log"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/guid"
)

const (
	metadataDigest   = "artifact-digest"
	metadataRevision = "artifact-revision"
)

// S3Config supplies the bucket to store artifacts in and how to
// authenticate. RoleARN, when set, is assumed via STS on top of the
// ambient credentials.
type S3Config struct {
	Bucket  string
	Prefix  string
	Region  string
	RoleARN string
	Actor   string
}

// S3 stores artifacts in an S3 bucket, keyed by name and content
// digest so repeat uploads of the same package are skipped.
type S3 struct {
	client s3iface.S3API
	cfg    S3Config
	logger log.Logger
	// Progress, when set, renders an upload progress bar on that
	// bar's configured writer.
	Progress *pb.ProgressBar
}

func NewS3(logger log.Logger, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket must be supplied")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	var client s3iface.S3API
	if cfg.RoleARN != "" {
		client = s3.New(sess, &aws.Config{Credentials: stscreds.NewCredentials(sess, cfg.RoleARN)})
	} else {
		client = s3.New(sess)
	}
	return NewS3WithClient(logger, cfg, client), nil
}

// NewS3WithClient is split out so tests can substitute the API.
func NewS3WithClient(logger log.Logger, cfg S3Config, client s3iface.S3API) *S3 {
	return &S3{client: client, cfg: cfg, logger: logger}
}

func (s *S3) Put(ctx context.Context, a *artifact.Artifact) (Ref, error) {
	if err := checkStorable(a); err != nil {
		return Ref{}, err
	}

	k := key(s.cfg.Prefix, a.Name, a.Digest)
	ref := Ref{Backend: "s3", Bucket: s.cfg.Bucket, Key: k, Digest: a.Digest, Size: a.Size}

	reused, err := s.exists(ctx, k)
	if err != nil {
		return Ref{}, err
	}
	if !reused {
		if err := s.upload(ctx, k, a); err != nil {
			return Ref{}, err
		}
	}

	if err := s.writeAudit(ctx, k, a, reused); err != nil {
		return Ref{}, err
	}
	s.logger.Log("put", a.Name, "bucket", s.cfg.Bucket, "key", k, "reused", reused)
	return ref, nil
}

func (s *S3) Stat(ctx context.Context, name string, dgst digest.Digest) (Ref, bool, error) {
	k := key(s.cfg.Prefix, name, dgst)
	ok, err := s.exists(ctx, k)
	if err != nil {
		return Ref{}, false, err
	}
	if !ok {
		return Ref{}, false, nil
	}
	return Ref{Backend: "s3", Bucket: s.cfg.Bucket, Key: k, Digest: dgst}, true, nil
}

// Get streams a stored package back out of the bucket.
func (s *S3) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if ref.Backend != "s3" {
		return nil, errors.Errorf("ref names a %q object, not s3", ref.Backend)
	}
	bucket := ref.Bucket
	if bucket == "" {
		bucket = s.cfg.Bucket
	}
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case "NotFound", s3.ErrCodeNoSuchKey:
				return nil, errors.Errorf("no stored package at %s", ref)
			}
		}
		return nil, s.classify("fetching package", err)
	}
	return out.Body, nil
}

// Prune deletes audit objects last modified before the given time.
func (s *S3) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	var stale []*s3.ObjectIdentifier
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if !strings.Contains(aws.StringValue(obj.Key), ".audit/") {
				continue
			}
			if obj.LastModified != nil && obj.LastModified.Before(olderThan) {
				stale = append(stale, &s3.ObjectIdentifier{Key: obj.Key})
			}
		}
		return true
	})
	if err != nil {
		return 0, s.classify("listing audit records", err)
	}

	removed := 0
	for len(stale) > 0 {
		batch := stale
		if len(batch) > 1000 {
			batch = batch[:1000]
		}
		stale = stale[len(batch):]
		_, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.cfg.Bucket),
			Delete: &s3.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return removed, s.classify("deleting audit records", err)
		}
		removed += len(batch)
	}
	return removed, nil
}

func (s *S3) exists(ctx context.Context, k string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(k),
	})
	if err == nil {
		return true, nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "NotFound", s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket:
			return false, nil
		}
	}
	return false, s.classify("checking for existing object", err)
}

func (s *S3) upload(ctx context.Context, k string, a *artifact.Artifact) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return errors.Wrap(err, "opening package")
	}
	defer f.Close()

	var body io.ReadSeeker = f
	if s.Progress != nil {
		s.Progress.SetTotal(a.Size)
		body = &progressReader{r: f, bar: s.Progress}
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(k),
		Body:          body,
		ContentLength: aws.Int64(a.Size),
		ContentType:   aws.String("application/zip"),
		Metadata: map[string]*string{
			metadataDigest:   aws.String(a.Digest.String()),
			metadataRevision: aws.String(a.Source.Revision),
		},
	})
	if err != nil {
		return s.classify("uploading package", err)
	}
	return nil
}

func (s *S3) writeAudit(ctx context.Context, objectKey string, a *artifact.Artifact, reused bool) error {
	rec := AuditRecord{
		ID:       guid.New(),
		Actor:    s.cfg.Actor,
		Artifact: a.Name,
		Digest:   a.Digest,
		Revision: a.Source.Revision,
		RunID:    a.RunID,
		StoredAt: time.Now().UTC(),
		Reused:   reused,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(auditKey(objectKey, rec.ID)),
		Body:        strings.NewReader(string(data)),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s.classify("recording audit entry", err)
	}
	return nil
}

// classify sorts backend failures into "fix your credentials" and
// "try again later".
func (s *S3) classify(op string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "AccessDenied", "AccessDeniedException", "InvalidAccessKeyId",
			"SignatureDoesNotMatch", "ExpiredToken", "UnrecognizedClientException":
			return &DeniedError{Backend: "s3", Err: errors.Wrap(err, op)}
		}
	}
	return &UnavailableError{Backend: "s3", Err: errors.Wrap(err, op)}
}

// progressReader forwards reads to the underlying file while feeding
// the progress bar. Seeks reset the bar, which is what the SDK's
// retry logic expects to see.
type progressReader struct {
	r   *os.File
	bar *pb.ProgressBar
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.bar.Add(n)
	return n, err
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.r.Seek(offset, whence)
	if err == nil && offset == 0 && whence == 0 {
		p.bar.SetCurrent(0)
	}
	return pos, err
}
