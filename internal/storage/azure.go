package storage

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/fileio"
	"github.com/pagemill/pagemill/internal/observability"
)

// Azure stores artifacts as blobs in an Azure storage container.
type Azure struct {
	client    *azblob.Client
	container string
	log       *observability.Logger
}

// NewAzure creates an Azure blob provider from either a connection string
// or an account name/key pair.
func NewAzure(cfg config.AzureConfig, log *observability.Logger) (*Azure, error) {
	var (
		client *azblob.Client
		err    error
	)
	if cfg.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	} else {
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
	}
	if err != nil {
		return nil, domain.ConfigError("create Azure blob client", err)
	}

	return &Azure{
		client:    client,
		container: cfg.ContainerName,
		log:       log.WithComponent("storage.azure"),
	}, nil
}

func (a *Azure) Put(ctx context.Context, sourcePath, key string) (string, error) {
	key = cleanKey(key)

	f, err := os.Open(sourcePath)
	if err != nil {
		return "", domain.InputError(fmt.Sprintf("open source %s", sourcePath), err)
	}
	defer f.Close()

	_, err = a.client.UploadFile(ctx, a.container, key, f, nil)
	if err != nil {
		return "", domain.BackendError(fmt.Sprintf("upload %s to %s/%s", sourcePath, a.container, key), err)
	}

	a.log.Debug().Str("container", a.container).Str("key", key).Msg("Uploaded artifact")
	return a.URLFor(key), nil
}

// Get downloads the blob into a scoped temporary file. The cleanup function
// removes it with retry; a failed delete is logged and swallowed.
func (a *Azure) Get(ctx context.Context, key string) (string, func(), error) {
	key = cleanKey(key)

	tmp, err := os.CreateTemp("", "pagemill-az-*"+path.Ext(key))
	if err != nil {
		return "", nil, domain.BackendError("create temp file for download", err)
	}

	_, err = a.client.DownloadFile(ctx, a.container, key, tmp, nil)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fileio.RemoveQuiet(context.Background(), a.log, tmp.Name())
		return "", nil, domain.BackendError(fmt.Sprintf("download %s/%s", a.container, key), err)
	}

	name := tmp.Name()
	cleanup := func() {
		fileio.RemoveQuiet(context.Background(), a.log, name)
	}
	return name, cleanup, nil
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	key = cleanKey(key)
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return domain.BackendError(fmt.Sprintf("delete %s/%s", a.container, key), err)
	}
	return nil
}

func (a *Azure) Exists(ctx context.Context, key string) (bool, error) {
	key = cleanKey(key)
	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key)
	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, domain.BackendError(fmt.Sprintf("head %s/%s", a.container, key), err)
	}
	return true, nil
}

func (a *Azure) URLFor(key string) string {
	return a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(cleanKey(key)).URL()
}
