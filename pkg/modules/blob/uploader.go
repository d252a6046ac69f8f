// Package blob provides an item-parallel exporter that uploads collected
// files to Azure Blob Storage and records the resulting URLs as ticket
// attributes.
package blob

import (
	"context"
	"fmt"
	"os"
	"path"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/containers"
	"github.com/wehubfusion/Daedalus/pkg/module"
)

// Uploader uploads each consumed File container to a blob container under
// an optional path prefix. The connection string usually arrives through
// an "@option" argument so credentials stay out of recipe files.
type Uploader struct {
	module.BaseModule
	client  *client
	prefix  string
	workers int
	keep    bool
}

// NewUploader is the registry factory for the blob uploader.
func NewUploader(state module.State, name string, logger *zap.Logger) module.Module {
	return &Uploader{BaseModule: module.NewBaseModule(state, name, logger)}
}

// SetUp resolves connection arguments and creates the blob client. No
// network traffic happens here; the container is created lazily on first
// upload.
func (u *Uploader) SetUp(ctx context.Context, args map[string]any) error {
	connectionString, err := module.StringArg(args, "connection_string")
	if err != nil {
		return u.CriticalError(err.Error())
	}
	containerName, err := module.StringArg(args, "container")
	if err != nil {
		return u.CriticalError(err.Error())
	}
	prefix, err := module.OptionalStringArg(args, "prefix", "")
	if err != nil {
		return u.CriticalError(err.Error())
	}
	workers, err := module.IntArg(args, "workers", 4)
	if err != nil {
		return u.CriticalError(err.Error())
	}
	keep, err := module.BoolArg(args, "keep_items", true)
	if err != nil {
		return u.CriticalError(err.Error())
	}

	c, err := newClient(connectionString, containerName, u.Logger())
	if err != nil {
		return u.CriticalError(err.Error())
	}

	u.client = c
	u.prefix = prefix
	u.workers = workers
	u.keep = keep
	return nil
}

// Process is unused; the engine drives the item-parallel path.
func (u *Uploader) Process(ctx context.Context) error { return nil }

// CleanUp implements module.Module.
func (u *Uploader) CleanUp(ctx context.Context) error { return nil }

// ItemType implements module.ItemModule.
func (u *Uploader) ItemType() string { return containers.TypeFile }

// WorkerCount implements module.ItemModule.
func (u *Uploader) WorkerCount() int { return u.workers }

// KeepItems implements module.ItemModule.
func (u *Uploader) KeepItems() bool { return u.keep }

// PreProcess implements module.ItemModule.
func (u *Uploader) PreProcess(ctx context.Context) error { return nil }

// PostProcess implements module.ItemModule.
func (u *Uploader) PostProcess(ctx context.Context) error { return nil }

// ProcessItem uploads one file and stores its blob URL.
func (u *Uploader) ProcessItem(ctx context.Context, c containers.Container) error {
	file, ok := c.(*containers.File)
	if !ok {
		return u.CriticalError(fmt.Sprintf("unexpected container %s", c))
	}

	data, err := os.ReadFile(file.Path)
	if err != nil {
		return u.ModuleError(fmt.Sprintf("cannot read %s: %v", file.Path, err))
	}

	blobPath := file.Name
	if u.prefix != "" {
		blobPath = path.Join(u.prefix, file.Name)
	}

	url, err := u.client.upload(ctx, blobPath, data, map[string]string{
		"uploaded_by": u.Name(),
	})
	if err != nil {
		return u.ModuleError(err.Error())
	}

	attr := containers.NewTicketAttribute("blob_url", url)
	attr.SetMetadata("uploaded_by", u.Name())
	u.State().StoreContainer(attr, u.Name())

	u.Logger().Info("uploaded file",
		zap.String("path", file.Path), zap.String("url", url))
	u.State().ThreadProgressUpdate(u.Name(), file.Name, 1, 1)
	return nil
}
