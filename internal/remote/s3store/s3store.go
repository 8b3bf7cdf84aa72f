// Package s3store implements remote.Store over an S3 or MinIO bucket, using
// key prefixes ending in "/" as containers.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/metrics"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint   string // host[:port] or full URL; empty uses AWS
	Bucket     string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	RootFolder string
}

// api is the subset of *s3.Client the store uses.
type api interface {
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Store implements remote.Store and remote.FolderCopier on a bucket.
type Store struct {
	client     api
	bucket     string
	rootFolder string
}

// EndpointURL returns the endpoint with a scheme chosen by UseSSL.
func (c Config) EndpointURL() string {
	if c.Endpoint == "" || strings.Contains(c.Endpoint, "://") {
		return c.Endpoint
	}
	if c.UseSSL {
		return "https://" + c.Endpoint
	}
	return "http://" + c.Endpoint
}

// New creates a store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := cfg.EndpointURL(); ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
		o.UsePathStyle = true
	})

	s := newWithAPI(client, cfg.Bucket, cfg.RootFolder)
	if err := s.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", logging.Err(err))
	}
	return s, nil
}

func newWithAPI(client api, bucket, rootFolder string) *Store {
	if rootFolder == "" {
		rootFolder = "TexFlow"
	}
	return &Store{client: client, bucket: bucket, rootFolder: rootFolder}
}

// Type returns "s3".
func (s *Store) Type() string { return "s3" }

func (s *Store) record(op string, start time.Time, err error) {
	metrics.RecordRemoteOperation("s3", op, time.Since(start), err == nil)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// wrap classifies an SDK error for key.
func wrap(op, key string, err error) error {
	if isNotFound(err) {
		return syncerr.Unavailable(fmt.Errorf("s3 %s %s: %w: %v", op, key, syncerr.ErrNotFound, err))
	}
	return syncerr.Unavailable(fmt.Errorf("s3 %s %s: %w", op, key, err))
}

func (s *Store) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	s.record("create_bucket", start, createErr)
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
	}
	logging.Info("created S3 bucket", logging.String("bucket", s.bucket))
	return nil
}

func isContainerKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// parentOf returns the container key holding key.
func parentOf(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}

func baseName(key string) string {
	return path.Base(strings.TrimSuffix(key, "/"))
}

func childKey(parentID, name string, container bool) (string, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", syncerr.Invalid("bad name %q", name)
	}
	if !isContainerKey(parentID) {
		return "", syncerr.Invalid("%q is not a folder", parentID)
	}
	key := parentID + name
	if container {
		key += "/"
	}
	return key, nil
}

// copySource builds the URL-encoded CopySource for key.
func (s *Store) copySource(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.bucket + "/" + strings.Join(parts, "/")
}

func typeOf(key string) string {
	ext := path.Ext(key)
	if ext == ".tex" {
		return "application/x-tex"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}

func (s *Store) ListChildren(ctx context.Context, containerID string) ([]remote.Entity, error) {
	if !isContainerKey(containerID) {
		return nil, syncerr.Invalid("%q is not a folder", containerID)
	}
	start := time.Now()
	var out []remote.Entity
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(containerID),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			s.record("list", start, err)
			return nil, wrap("list", containerID, err)
		}
		for _, cp := range page.CommonPrefixes {
			key := aws.ToString(cp.Prefix)
			out = append(out, remote.Entity{ID: key, Name: baseName(key), Kind: remote.KindContainer})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == containerID || isContainerKey(key) {
				continue
			}
			modified := aws.ToTime(obj.LastModified)
			out = append(out, remote.Entity{
				ID:         key,
				Name:       baseName(key),
				Kind:       remote.KindFile,
				TypeTag:    typeOf(key),
				Size:       aws.ToInt64(obj.Size),
				CreatedAt:  modified,
				ModifiedAt: modified,
			})
		}
	}
	s.record("list", start, nil)
	return out, nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, wrap("head", key, err)
}

func (s *Store) putMarker(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	s.record("create", start, err)
	if err != nil {
		return wrap("create", key, err)
	}
	return nil
}

func (s *Store) CreateContainer(ctx context.Context, name, parentID string) (string, error) {
	key, err := childKey(parentID, name, true)
	if err != nil {
		return "", err
	}
	found, err := s.exists(ctx, key)
	if err != nil {
		return "", err
	}
	if found {
		return "", syncerr.Invalid("%q already exists", key)
	}
	if err := s.putMarker(ctx, key); err != nil {
		return "", err
	}
	return key, nil
}

// keysUnder lists every object key below prefix, markers included.
func (s *Store) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, wrap("list", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), 1000)
		batch := make([]types.ObjectIdentifier, n)
		for i, k := range keys[:n] {
			batch[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		start := time.Now()
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		s.record("delete", start, err)
		if err != nil {
			return wrap("delete", keys[0], err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return syncerr.Unavailable(fmt.Errorf("s3 delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
		keys = keys[n:]
	}
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	if !isContainerKey(id) {
		start := time.Now()
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(id)})
		s.record("delete", start, err)
		if err != nil {
			return wrap("delete", id, err)
		}
		logging.Debug("S3 delete object", logging.String("key", id))
		return nil
	}
	keys, err := s.keysUnder(ctx, id)
	if err != nil {
		return err
	}
	return s.deleteKeys(ctx, keys)
}

func (s *Store) copyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(s.copySource(srcKey)),
	})
	s.record("copy", start, err)
	if err != nil {
		return wrap("copy", srcKey, err)
	}
	return nil
}

// copyPrefix copies every object under src to the same relative key under dst.
func (s *Store) copyPrefix(ctx context.Context, src, dst string) ([]string, error) {
	keys, err := s.keysUnder(ctx, src)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, syncerr.Unavailable(fmt.Errorf("s3 copy %s: %w", src, syncerr.ErrNotFound))
	}
	hasMarker := false
	for _, k := range keys {
		if k == src {
			hasMarker = true
		}
		if err := s.copyObject(ctx, k, dst+strings.TrimPrefix(k, src)); err != nil {
			return nil, err
		}
	}
	if !hasMarker {
		if err := s.putMarker(ctx, dst); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// relocate moves id to newKey by copy and delete.
func (s *Store) relocate(ctx context.Context, id, newKey string) error {
	if id == newKey {
		return nil
	}
	found, err := s.exists(ctx, newKey)
	if err != nil {
		return err
	}
	if found {
		return syncerr.Invalid("%q already exists", newKey)
	}
	if !isContainerKey(id) {
		if err := s.copyObject(ctx, id, newKey); err != nil {
			return err
		}
		return s.deleteKeys(ctx, []string{id})
	}
	keys, err := s.copyPrefix(ctx, id, newKey)
	if err != nil {
		return err
	}
	return s.deleteKeys(ctx, keys)
}

func (s *Store) RenameEntity(ctx context.Context, id, newName string) error {
	newKey, err := childKey(parentOf(id), newName, isContainerKey(id))
	if err != nil {
		return err
	}
	return s.relocate(ctx, id, newKey)
}

func (s *Store) MoveEntity(ctx context.Context, id, newParentID, oldParentID string) error {
	if parentOf(id) != oldParentID {
		return syncerr.Invalid("%q is not in %q", id, oldParentID)
	}
	if isContainerKey(id) && strings.HasPrefix(newParentID, id) {
		return syncerr.Invalid("cannot move %q below itself", id)
	}
	newKey, err := childKey(newParentID, baseName(id), isContainerKey(id))
	if err != nil {
		return err
	}
	return s.relocate(ctx, id, newKey)
}

func (s *Store) head(ctx context.Context, key string) (remote.Entity, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return remote.Entity{}, wrap("head", key, err)
	}
	modified := aws.ToTime(out.LastModified)
	e := remote.Entity{
		ID:         key,
		Name:       baseName(key),
		Kind:       remote.KindFile,
		TypeTag:    aws.ToString(out.ContentType),
		Size:       aws.ToInt64(out.ContentLength),
		CreatedAt:  modified,
		ModifiedAt: modified,
	}
	if isContainerKey(key) {
		e.Kind, e.TypeTag, e.Size = remote.KindContainer, "", 0
	} else if e.TypeTag == "" || e.TypeTag == "binary/octet-stream" {
		e.TypeTag = typeOf(key)
	}
	return e, nil
}

func (s *Store) CopyEntity(ctx context.Context, id, newName, destParentID string) (remote.Entity, error) {
	if isContainerKey(id) {
		return remote.Entity{}, syncerr.Invalid("%q is a folder", id)
	}
	dst, err := childKey(destParentID, newName, false)
	if err != nil {
		return remote.Entity{}, err
	}
	if err := s.copyObject(ctx, id, dst); err != nil {
		return remote.Entity{}, err
	}
	return s.head(ctx, dst)
}

// CopyContainer copies every object under the id prefix.
func (s *Store) CopyContainer(ctx context.Context, id, newName, destParentID string) (remote.Entity, error) {
	dst, err := childKey(destParentID, newName, true)
	if err != nil {
		return remote.Entity{}, err
	}
	if strings.HasPrefix(dst, id) {
		return remote.Entity{}, syncerr.Invalid("cannot copy %q into itself", id)
	}
	if _, err := s.copyPrefix(ctx, id, dst); err != nil {
		return remote.Entity{}, err
	}
	return s.head(ctx, dst)
}

func (s *Store) UploadFile(ctx context.Context, parentID string, p remote.Payload) (remote.Entity, error) {
	key, err := childKey(parentID, p.Name, false)
	if err != nil {
		return remote.Entity{}, err
	}
	ct := p.MimeType
	if ct == "" {
		ct = typeOf(key)
	}
	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          io.NewSectionReader(p.Body, 0, p.Size),
		ContentLength: aws.Int64(p.Size),
		ContentType:   aws.String(ct),
	})
	s.record("upload", start, err)
	if err != nil {
		return remote.Entity{}, wrap("upload", key, err)
	}
	metrics.RecordContentUpload(p.Size)
	logging.Debug("S3 put object", logging.String("key", key), logging.Int64("size", p.Size))
	return s.head(ctx, key)
}

func (s *Store) getObject(ctx context.Context, op, key string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	s.record(op, start, err)
	if err != nil {
		return nil, wrap(op, key, err)
	}
	return out.Body, nil
}

func (s *Store) FetchContent(ctx context.Context, id, typeTag string) (remote.Content, error) {
	body, err := s.getObject(ctx, "fetch", id)
	if err != nil {
		return remote.Content{}, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return remote.Content{}, syncerr.Unavailable(fmt.Errorf("read %s: %w", id, err))
	}
	metrics.RecordContentDownload(int64(len(data)))
	return remote.Content{Data: data, Text: remote.IsTextType(typeTag)}, nil
}

func (s *Store) Download(ctx context.Context, id, suggestedName, typeTag string) (*remote.Download, error) {
	body, err := s.getObject(ctx, "download", id)
	if err != nil {
		return nil, err
	}
	return &remote.Download{Name: suggestedName, MimeType: typeTag, Body: body}, nil
}

// ResolveRootContainer ensures the markers for <RootFolder>/ and
// <RootFolder>/<RootFolder>-<contextKey>/ exist.
func (s *Store) ResolveRootContainer(ctx context.Context, contextKey string) (string, error) {
	if contextKey == "" || strings.Contains(contextKey, "/") {
		return "", syncerr.Invalid("bad context key %q", contextKey)
	}
	top := s.rootFolder + "/"
	root := top + s.rootFolder + "-" + contextKey + "/"
	for _, key := range []string{top, root} {
		found, err := s.exists(ctx, key)
		if err != nil {
			return "", err
		}
		if !found {
			if err := s.putMarker(ctx, key); err != nil {
				return "", err
			}
		}
	}
	return root, nil
}
