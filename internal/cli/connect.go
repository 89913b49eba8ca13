package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/kinosync/internal/assetcache"
	"github.com/mmcdole/kinosync/internal/blobcache"
	"github.com/mmcdole/kinosync/internal/page"
	"github.com/mmcdole/kinosync/internal/transport/ws"
)

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// connect attaches to the running background service as a page.
func (o *RootOptions) connect(ctx context.Context) (*page.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws", o.Addr)
	conn, err := ws.Dial(ctx, url, o.Logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("background service not reachable at %s (start it with \"kinosync serve\")", o.Addr), err)
	}
	return page.New(conn, o.Logger), nil
}

// assets returns a cache manager on client. The blob directory is shared
// with the background service, which is the only writer.
func (o *RootOptions) assets(client *page.Client) (*assetcache.Manager, error) {
	blobs, err := blobcache.NewOnDisk(o.Config.Storage.BlobDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open blob cache", err)
	}
	return assetcache.NewManager(client, blobs, o.Config.Cache.ListTimeout, o.Logger), nil
}
