// ABOUTME: Cloud account and container abstraction used by the cloud backend and device registry
// ABOUTME: Defines download status, the fixed-interval download wait, and container errors

package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable is returned when no cloud account is signed in.
	ErrUnavailable = errors.New("cloud container unavailable")

	// ErrNotInCloud is returned when starting a download for an item the
	// container does not know about.
	ErrNotInCloud = errors.New("item is not in the cloud container")
)

// Status is the download state of an item in the container.
type Status int

const (
	// StatusNotPresent means neither the item nor a placeholder exists.
	StatusNotPresent Status = iota
	// StatusNotDownloaded means only a placeholder exists locally.
	StatusNotDownloaded
	// StatusDownloading means a download is in flight.
	StatusDownloading
	// StatusCurrent means the local copy is complete.
	StatusCurrent
)

func (s Status) String() string {
	switch s {
	case StatusNotPresent:
		return "not_present"
	case StatusNotDownloaded:
		return "not_downloaded"
	case StatusDownloading:
		return "downloading"
	case StatusCurrent:
		return "current"
	default:
		return "unknown"
	}
}

// Account reports the signed-in cloud identity.
type Account interface {
	// IdentityToken returns the opaque token of the signed-in account.
	IdentityToken() ([]byte, bool)
	// ContainerDir returns the container root. It is unavailable when no
	// account is signed in.
	ContainerDir() (string, error)
}

// Downloader materialises container items locally.
type Downloader interface {
	DownloadStatus(path string) (Status, error)
	StartDownload(path string) error
}

// Lister enumerates the items of a container directory, including items
// that are not downloaded yet.
type Lister interface {
	List(ctx context.Context, dir string) ([]string, error)
}

// Remover deletes container items whether or not they are downloaded.
type Remover interface {
	// Remove deletes the item at path together with any placeholder
	// standing in for it. A missing item is not an error.
	Remove(path string) error
}

// Container is the full cloud container surface.
type Container interface {
	Account
	Downloader
	Lister
	Remover
}

// Download waits until the item at path is current, starting the download
// when it is neither current nor in flight. The status is re-checked at a
// fixed interval. It returns false without error when the item does not
// exist in the container.
func Download(ctx context.Context, d Downloader, path string, interval time.Duration) (bool, error) {
	for {
		status, err := d.DownloadStatus(path)
		if err != nil {
			return false, fmt.Errorf("checking download status of %s: %w", path, err)
		}

		switch status {
		case StatusCurrent:
			return true, nil
		case StatusNotPresent:
			return false, nil
		case StatusNotDownloaded:
			if err := d.StartDownload(path); err != nil {
				return false, fmt.Errorf("starting download of %s: %w", path, err)
			}
		case StatusDownloading:
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}
