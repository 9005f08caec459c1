package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/jmylchreest/vidtap/internal/config"
)

// AzureStore serves azblob://container/blob locations.
type AzureStore struct {
	client      *azblob.Client
	blockSize   int64
	concurrency int
	logger      *slog.Logger
}

// NewAzureStore builds a blob client from a connection string, or from the
// account URL and the default Azure credential chain.
func NewAzureStore(cfg config.AzureConfig, logger *slog.Logger) (*AzureStore, error) {
	var (
		client *azblob.Client
		err    error
	)
	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	} else {
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating azure credential: %w", err)
		}
		client, err = azblob.NewClient(cfg.AccountURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating azure blob client: %w", err)
	}

	return &AzureStore{
		client:      client,
		blockSize:   cfg.BlockSize.Bytes(),
		concurrency: cfg.Concurrency,
		logger:      logger,
	}, nil
}

func mapAzureError(op string, loc Location, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return fmt.Errorf("%s %s: %w", op, loc, ErrNotFound)
	case bloberror.HasCode(err,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InsufficientAccountPermissions):
		return fmt.Errorf("%s %s: %w: %v", op, loc, ErrUnauthorized, err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, loc, ErrNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s %s: %w", op, loc, ErrUnauthorized)
		case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
			return fmt.Errorf("%s %s: %w", op, loc, ErrQuotaExceeded)
		}
	}
	return fmt.Errorf("%s %s: %w", op, loc, err)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// Blob metadata names must be C# identifiers, so dashes are stored as
// underscores and names come back in header case.
func blobMetadata(m map[string]string) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[strings.ReplaceAll(k, "-", "_")] = to.Ptr(v)
	}
	return out
}

func derefMetadata(m map[string]*string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != nil {
			out[strings.ReplaceAll(strings.ToLower(k), "_", "-")] = *v
		}
	}
	return out
}

// Open implements SourceProvider.
func (s *AzureStore) Open(ctx context.Context, loc Location) (*Source, error) {
	resp, err := s.client.DownloadStream(ctx, loc.Bucket, loc.Key, nil)
	if err != nil {
		return nil, mapAzureError("download", loc, err)
	}

	info := ObjectInfo{
		URI:         loc.String(),
		Name:        loc.Name(),
		Parent:      loc.Parent(),
		Size:        deref(resp.ContentLength),
		ContentType: deref(resp.ContentType),
		Metadata:    derefMetadata(resp.Metadata),
	}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return &Source{Body: resp.Body, Info: info}, nil
}

// Exists implements Sink.
func (s *AzureStore) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := s.Stat(ctx, loc)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat implements Sink.
func (s *AzureStore) Stat(ctx context.Context, loc Location) (*ObjectInfo, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(loc.Bucket).NewBlobClient(loc.Key)
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return nil, mapAzureError("properties", loc, err)
	}

	info := &ObjectInfo{
		URI:         loc.String(),
		Name:        loc.Name(),
		Parent:      loc.Parent(),
		Size:        deref(props.ContentLength),
		ContentType: deref(props.ContentType),
		Metadata:    derefMetadata(props.Metadata),
	}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}
	if props.LastModified != nil {
		info.LastModified = props.LastModified.UTC()
	}
	return info, nil
}

// OpenWriter implements Sink. Blocks are staged as bytes arrive and the block
// list is committed only when the stream ends cleanly.
func (s *AzureStore) OpenWriter(ctx context.Context, loc Location, opts WriteOptions) (ObjectWriter, error) {
	uploadOpts := &azblob.UploadStreamOptions{
		BlockSize:   s.blockSize,
		Concurrency: s.concurrency,
	}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(opts.ContentType)}
	}
	uploadOpts.Metadata = blobMetadata(opts.Metadata)

	return newPipeWriter(func(body io.Reader) error {
		if _, err := s.client.UploadStream(ctx, loc.Bucket, loc.Key, body, uploadOpts); err != nil {
			return mapAzureError("upload", loc, err)
		}
		s.logger.Debug("azure upload complete", slog.String("uri", loc.String()))
		return nil
	}), nil
}
