// Package blobsidecar watches a directory for completed FLV segment files
// and uploads them to Azure Blob Storage, deleting the local copy on
// success. Grounded on the teacher repo's own azure/blob-sidecar module,
// which declared exactly this dependency set (azidentity, azblob,
// fsnotify) in its go.mod but carried no implementation — this package is
// that feature, built out and wired to this server's recording path
// (internal/flv / internal/rtmp/server's optional RecordDir).
package blobsidecar

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/fsnotify/fsnotify"

	rerrors "github.com/alxayo/rtmpjoin/internal/errors"
)

// Uploader uploads a named local file as a blob. Satisfied by *azblob.Client;
// an interface here keeps Sidecar unit-testable without live Azure credentials.
type Uploader interface {
	UploadFile(ctx context.Context, containerName, blobName string, file *os.File, opts *azblob.UploadFileOptions) (azblob.UploadFileResponse, error)
}

// Sidecar watches watchDir for newly-closed ".flv" files and uploads them.
// A file is considered closed (safe to upload) once fsnotify reports a
// Write followed by a quiet period with no further writes (settleDelay).
type Sidecar struct {
	watchDir      string
	containerName string
	uploader      Uploader
	log           *slog.Logger
	settleDelay   time.Duration
}

// Config configures a new Sidecar.
type Config struct {
	ContainerURL       string
	WatchDir           string
	UseManagedIdentity bool
}

// New constructs a Sidecar and its Azure Blob client. containerURL must be
// a full container URL (https://<account>.blob.core.windows.net/<container>).
func New(cfg Config, log *slog.Logger) (*Sidecar, error) {
	if log == nil {
		log = slog.Default()
	}
	var client *azblob.Client
	if cfg.UseManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, rerrors.NewIo("blobsidecar.credential", err)
		}
		c, err := azblob.NewClient(cfg.ContainerURL, cred, nil)
		if err != nil {
			return nil, rerrors.NewIo("blobsidecar.client", err)
		}
		client = c
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, rerrors.NewIo("blobsidecar.credential", err)
		}
		c, err := azblob.NewClient(cfg.ContainerURL, cred, nil)
		if err != nil {
			return nil, rerrors.NewIo("blobsidecar.client", err)
		}
		client = c
	}

	containerName := containerNameFromURL(cfg.ContainerURL)
	return &Sidecar{
		watchDir:      cfg.WatchDir,
		containerName: containerName,
		uploader:      client,
		log:           log,
		settleDelay:   2 * time.Second,
	}, nil
}

func containerNameFromURL(u string) string {
	parts := strings.Split(strings.TrimSuffix(u, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// Run watches the configured directory until ctx is cancelled, uploading
// each completed .flv file it observes.
func (s *Sidecar) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return rerrors.NewIo("blobsidecar.watch", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.watchDir); err != nil {
		return rerrors.NewIo("blobsidecar.watch_dir", err)
	}

	var mu sync.Mutex
	pending := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".flv") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			mu.Lock()
			if t, exists := pending[ev.Name]; exists {
				t.Reset(s.settleDelay)
				mu.Unlock()
				continue
			}
			name := ev.Name
			pending[name] = time.AfterFunc(s.settleDelay, func() {
				mu.Lock()
				delete(pending, name)
				mu.Unlock()
				if err := s.uploadAndRemove(ctx, name); err != nil {
					s.log.Error("blobsidecar upload failed", "file", name, "error", err)
				}
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("blobsidecar watch error", "error", err)
		}
	}
}

func (s *Sidecar) uploadAndRemove(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return rerrors.NewIo("blobsidecar.open", err)
	}

	blobName := filepath.Base(path)
	if _, err := s.uploader.UploadFile(ctx, s.containerName, blobName, f, nil); err != nil {
		_ = f.Close()
		return rerrors.NewIo("blobsidecar.upload", err)
	}
	if err := f.Close(); err != nil {
		return rerrors.NewIo("blobsidecar.close", err)
	}
	if err := os.Remove(path); err != nil {
		return rerrors.NewIo("blobsidecar.remove", err)
	}
	s.log.Info("blobsidecar uploaded segment", "file", blobName)
	return nil
}
