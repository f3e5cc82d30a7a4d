// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package s3 implements the storage driver over S3-compatible object
// stores. Directories are zero-byte marker keys ending in a slash.
package s3

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/streams"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// Error is the class for s3 driver errors.
var Error = errs.Class("s3driver")

func init() {
	drivers.Register(drivers.TypeS3, New)
}

// Driver serves one bucket, optionally under a key prefix.
type Driver struct {
	log     *zap.Logger
	config  drivers.Config
	bucket  string
	prefix  string
	client  *awss3.Client
	presign *awss3.PresignClient
}

// New constructs the driver. Required settings: bucket, region (or
// endpoint), accessKeyId, secretAccessKey.
func New(log *zap.Logger, config drivers.Config) (drivers.Driver, error) {
	bucket := config.Setting("bucket", "")
	if bucket == "" {
		return nil, Error.New("bucket setting is required")
	}
	accessKey := config.Setting("accessKeyId", "")
	secretKey := config.Setting("secretAccessKey", "")
	if accessKey == "" || secretKey == "" {
		return nil, Error.New("accessKeyId and secretAccessKey settings are required")
	}
	region := config.Setting("region", "us-east-1")
	endpoint := config.Setting("endpoint", "")

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if config.Setting("forcePathStyle", "") == "true" {
			o.UsePathStyle = true
		}
	})

	return &Driver{
		log:     log,
		config:  config,
		bucket:  bucket,
		prefix:  strings.Trim(config.RootPrefix, "/"),
		client:  client,
		presign: awss3.NewPresignClient(client),
	}, nil
}

// Type implements drivers.Driver.
func (d *Driver) Type() string { return drivers.TypeS3 }

// Capabilities implements drivers.Driver.
func (d *Driver) Capabilities() drivers.Capability {
	return drivers.CapReader | drivers.CapWriter | drivers.CapAtomic |
		drivers.CapMultipart | drivers.CapProxy | drivers.CapDirectLink |
		drivers.CapPagedList | drivers.CapRange | drivers.CapSearch
}

// StorageFirst implements drivers.Driver.
func (d *Driver) StorageFirst() bool { return true }

// key maps a subpath onto a bucket key. Directory keys end in "/".
func (d *Driver) key(subPath string, dir bool) string {
	key := strings.TrimPrefix(strings.TrimSuffix(subPath, "/"), "/")
	if d.prefix != "" {
		key = d.prefix + "/" + key
	}
	if dir && key != "" {
		key += "/"
	}
	return key
}

func wrapAWS(err error) error {
	if err == nil {
		return nil
	}
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	var noBucket *s3types.NoSuchBucket
	var noUpload *s3types.NoSuchUpload
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound), errors.As(err, &noBucket), errors.As(err, &noUpload):
		return apierrs.ErrNotFound.Wrap(Error.Wrap(err))
	default:
		return apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
}

// List implements drivers.Driver with delimiter listing and cursor
// paging.
func (d *Driver) List(ctx context.Context, subPath string, opts drivers.ListOptions) (*drivers.Listing, error) {
	prefix := d.key(subPath, true)
	pageSize := int32(1000)
	if opts.PageSize > 0 && opts.PageSize < 1000 {
		pageSize = int32(opts.PageSize)
	}

	input := &awss3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(pageSize),
	}
	if opts.Cursor != "" {
		input.ContinuationToken = aws.String(opts.Cursor)
	}

	out, err := d.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, wrapAWS(err)
	}

	listing := &drivers.Listing{Path: subPath}
	base := strings.TrimSuffix(subPath, "/")

	for _, cp := range out.CommonPrefixes {
		name := path.Base(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
		childPath, err := vpath.Join(base, name, false)
		if err != nil {
			continue
		}
		listing.Items = append(listing.Items, drivers.Item{
			Name:  name,
			Path:  childPath,
			IsDir: true,
		})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix || strings.HasSuffix(key, "/") {
			continue // the directory marker itself
		}
		name := path.Base(key)
		childPath, err := vpath.Join(base, name, false)
		if err != nil {
			continue
		}
		listing.Items = append(listing.Items, drivers.Item{
			Name:     name,
			Path:     childPath,
			Size:     aws.ToInt64(obj.Size),
			Modified: aws.ToTime(obj.LastModified),
			ETag:     strings.Trim(aws.ToString(obj.ETag), `"`),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		listing.NextCursor = aws.ToString(out.NextContinuationToken)
	}
	return listing, nil
}

// Stat implements drivers.Driver. A path is a directory when its
// marker exists or any key lives under it.
func (d *Driver) Stat(ctx context.Context, subPath string) (*drivers.Item, error) {
	trimmed := strings.TrimSuffix(subPath, "/")
	if trimmed == "" || trimmed == vpath.Root {
		return &drivers.Item{Name: "", Path: vpath.Root, IsDir: true}, nil
	}

	head, err := d.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(subPath, false)),
	})
	if err == nil {
		return &drivers.Item{
			Name:     path.Base(trimmed),
			Path:     trimmed,
			Size:     aws.ToInt64(head.ContentLength),
			Modified: aws.ToTime(head.LastModified),
			MimeType: aws.ToString(head.ContentType),
			ETag:     strings.Trim(aws.ToString(head.ETag), `"`),
		}, nil
	}

	// Not an object; probe for a directory.
	out, listErr := d.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(d.key(subPath, true)),
		MaxKeys: aws.Int32(1),
	})
	if listErr != nil {
		return nil, wrapAWS(listErr)
	}
	if aws.ToInt32(out.KeyCount) > 0 {
		return &drivers.Item{Name: path.Base(trimmed), Path: trimmed, IsDir: true}, nil
	}
	return nil, apierrs.ErrNotFound.Wrap(Error.New("no such key"))
}

// Download implements drivers.Driver.
func (d *Driver) Download(ctx context.Context, subPath string) (*streams.Descriptor, error) {
	item, err := d.Stat(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if item.IsDir {
		return nil, apierrs.ErrValidation.Wrap(Error.New("cannot download a directory"))
	}
	key := d.key(subPath, false)

	return &streams.Descriptor{
		Size:          item.Size,
		ContentType:   item.MimeType,
		ETag:          item.ETag,
		LastModified:  item.Modified,
		SupportsRange: true,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			out, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
				Bucket: aws.String(d.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, wrapAWS(err)
			}
			return out.Body, nil
		},
		OpenRange: func(ctx context.Context, start, length int64) (io.ReadCloser, error) {
			br := streams.ByteRange{Start: start, Length: length}
			out, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
				Bucket: aws.String(d.bucket),
				Key:    aws.String(key),
				Range:  aws.String("bytes=" + itoa(start) + "-" + itoa(br.End())),
			})
			if err != nil {
				return nil, wrapAWS(err)
			}
			return out.Body, nil
		},
	}, nil
}

// Put implements drivers.Driver.
func (d *Driver) Put(ctx context.Context, subPath string, body io.Reader, size int64, contentType string) (*drivers.PutResult, error) {
	input := &awss3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(subPath, false)),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := d.client.PutObject(ctx, input)
	if err != nil {
		return nil, wrapAWS(err)
	}
	return &drivers.PutResult{
		StoragePath: strings.TrimSuffix(subPath, "/"),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		Size:        size,
	}, nil
}

// Mkdir implements drivers.Driver by writing the directory marker.
func (d *Driver) Mkdir(ctx context.Context, subPath string) error {
	_, err := d.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(d.key(subPath, true)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	return wrapAWS(err)
}

// Remove implements drivers.Driver. Directories are removed with every
// key under them.
func (d *Driver) Remove(ctx context.Context, subPath string) error {
	item, err := d.Stat(ctx, subPath)
	if err != nil {
		return err
	}
	if !item.IsDir {
		_, err := d.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(subPath, false)),
		})
		return wrapAWS(err)
	}

	prefix := d.key(subPath, true)
	var token *string
	for {
		out, err := d.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(d.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return wrapAWS(err)
		}
		var objects []s3types.ObjectIdentifier
		for _, obj := range out.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}
		if len(objects) > 0 {
			_, err = d.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
				Bucket: aws.String(d.bucket),
				Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return wrapAWS(err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// Rename implements drivers.Driver as copy plus delete; only files are
// renamed provider-side.
func (d *Driver) Rename(ctx context.Context, oldSub, newSub string) error {
	item, err := d.Stat(ctx, oldSub)
	if err != nil {
		return err
	}
	if item.IsDir {
		return apierrs.ErrNotSupported.Wrap(Error.New("directory rename is not supported on s3"))
	}
	if exists, err := drivers.Exists(ctx, d, newSub); err != nil {
		return err
	} else if exists {
		return apierrs.ErrConflict.Wrap(Error.New("target already exists"))
	}

	if _, err := d.copyObject(ctx, oldSub, newSub); err != nil {
		return err
	}
	_, err = d.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(oldSub, false)),
	})
	return wrapAWS(err)
}

func (d *Driver) copyObject(ctx context.Context, srcSub, dstSub string) (*awss3.CopyObjectOutput, error) {
	out, err := d.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.key(dstSub, false)),
		CopySource: aws.String(d.bucket + "/" + d.key(srcSub, false)),
	})
	return out, wrapAWS(err)
}

// Copy implements drivers.Driver for a single item via provider-side
// copy.
func (d *Driver) Copy(ctx context.Context, srcSub, dstSub string, opts drivers.CopyOptions) (drivers.CopyResult, error) {
	if opts.SkipExisting {
		exists, err := drivers.Exists(ctx, d, dstSub)
		if err != nil {
			return drivers.CopyResult{Status: drivers.CopyFailed}, err
		}
		if exists {
			return drivers.CopyResult{Status: drivers.CopySkipped, Reason: "target exists"}, nil
		}
	}

	item, err := d.Stat(ctx, srcSub)
	if err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}
	if item.IsDir {
		if err := d.Mkdir(ctx, dstSub); err != nil {
			return drivers.CopyResult{Status: drivers.CopyFailed}, err
		}
		return drivers.CopyResult{Status: drivers.CopySuccess}, nil
	}
	if _, err := d.copyObject(ctx, srcSub, dstSub); err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}
	return drivers.CopyResult{Status: drivers.CopySuccess}, nil
}

// DownloadURL implements drivers.Linker.
func (d *Driver) DownloadURL(ctx context.Context, subPath string, expires time.Duration, forceDownload bool) (string, error) {
	input := &awss3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(subPath, false)),
	}
	if forceDownload {
		input.ResponseContentDisposition = aws.String(`attachment; filename="` + path.Base(subPath) + `"`)
	}
	req, err := d.presign.PresignGetObject(ctx, input, awss3.WithPresignExpires(expires))
	if err != nil {
		return "", wrapAWS(err)
	}
	return req.URL, nil
}

// UploadURL implements drivers.Linker for single-shot uploads.
func (d *Driver) UploadURL(ctx context.Context, subPath string, expires time.Duration, contentType string, size int64) (string, error) {
	input := &awss3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(subPath, false)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := d.presign.PresignPutObject(ctx, input, awss3.WithPresignExpires(expires))
	if err != nil {
		return "", wrapAWS(err)
	}
	return req.URL, nil
}

// Strategy implements drivers.Multiparter: clients upload parts
// directly against pre-signed URLs.
func (d *Driver) Strategy() drivers.Strategy { return drivers.StrategyPerPartURL }

// MultipartInit implements drivers.Multiparter.
func (d *Driver) MultipartInit(ctx context.Context, subPath string, fileSize, partSize int64, contentType string) (*drivers.ProviderUpload, error) {
	input := &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(subPath, false)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := d.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, wrapAWS(err)
	}
	return &drivers.ProviderUpload{
		ID:         aws.ToString(out.UploadId),
		PartPolicy: drivers.PartsServerCanList,
	}, nil
}

// MultipartSign implements drivers.Multiparter.
func (d *Driver) MultipartSign(ctx context.Context, subPath string, upload *drivers.ProviderUpload, partNumbers []int, expires time.Duration) ([]drivers.SignedPartURL, error) {
	urls := make([]drivers.SignedPartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		req, err := d.presign.PresignUploadPart(ctx, &awss3.UploadPartInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(d.key(subPath, false)),
			UploadId:   aws.String(upload.ID),
			PartNumber: aws.Int32(int32(n)),
		}, awss3.WithPresignExpires(expires))
		if err != nil {
			return nil, wrapAWS(err)
		}
		urls = append(urls, drivers.SignedPartURL{
			PartNumber: n,
			URL:        req.URL,
			ExpiresAt:  time.Now().Add(expires),
		})
	}
	return urls, nil
}

// MultipartPut implements drivers.Multiparter; s3 parts do not flow
// through the gateway.
func (d *Driver) MultipartPut(ctx context.Context, upload *drivers.ProviderUpload, body io.Reader, cr streams.ContentRange) (*drivers.ChunkResult, error) {
	return nil, apierrs.ErrNotSupported.Wrap(Error.New("s3 parts upload against pre-signed urls"))
}

// MultipartList implements drivers.Multiparter.
func (d *Driver) MultipartList(ctx context.Context, subPath string, upload *drivers.ProviderUpload) ([]drivers.ProviderPart, error) {
	var parts []drivers.ProviderPart
	var marker *string
	for {
		out, err := d.client.ListParts(ctx, &awss3.ListPartsInput{
			Bucket:           aws.String(d.bucket),
			Key:              aws.String(d.key(subPath, false)),
			UploadId:         aws.String(upload.ID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, wrapAWS(err)
		}
		for _, part := range out.Parts {
			parts = append(parts, drivers.ProviderPart{
				PartNumber: int(aws.ToInt32(part.PartNumber)),
				Size:       aws.ToInt64(part.Size),
				ID:         strings.Trim(aws.ToString(part.ETag), `"`),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// MultipartComplete implements drivers.Multiparter.
func (d *Driver) MultipartComplete(ctx context.Context, subPath string, upload *drivers.ProviderUpload, parts []drivers.ProviderPart) (*drivers.PutResult, error) {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	var size int64
	for _, part := range parts {
		completed = append(completed, s3types.CompletedPart{
			PartNumber: aws.Int32(int32(part.PartNumber)),
			ETag:       aws.String(part.ID),
		})
		size += part.Size
	}
	out, err := d.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(d.key(subPath, false)),
		UploadId:        aws.String(upload.ID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, wrapAWS(err)
	}
	return &drivers.PutResult{
		StoragePath: strings.TrimSuffix(subPath, "/"),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		Size:        size,
	}, nil
}

// MultipartAbort implements drivers.Multiparter.
func (d *Driver) MultipartAbort(ctx context.Context, subPath string, upload *drivers.ProviderUpload) error {
	_, err := d.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(d.key(subPath, false)),
		UploadId: aws.String(upload.ID),
	})
	return wrapAWS(err)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
