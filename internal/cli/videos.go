package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmcdole/kinosync/internal/adapter"
	"github.com/mmcdole/kinosync/internal/assetcache"
	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/search"
)

// CacheOptions holds flags for the cache command.
type CacheOptions struct {
	*RootOptions
	Caption   string
	Thumbnail string
	Wait      time.Duration
}

// NewCacheCommand creates the cache command.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache <video-id> <video-url>",
		Short: "Make a video available offline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCache(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.Caption, "caption", "", "caption shown in listings")
	cmd.Flags().StringVar(&opts.Thumbnail, "thumbnail", "", "thumbnail url")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "wait this long for the download to finish (0: return at once)")

	return cmd
}

func runCache(cmd *cobra.Command, opts *CacheOptions, videoID, videoURL string) error {
	client, err := opts.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	assets, err := opts.assets(client)
	if err != nil {
		return err
	}
	defer assets.Close()

	done := make(chan assetcache.Change, 1)
	unsubscribe := assets.OnChange(videoID, func(c assetcache.Change) {
		if c.VideoURL == videoURL {
			select {
			case done <- c:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := assets.Cache(cmd.Context(), videoID, videoURL, opts.Thumbnail, opts.Caption); err != nil {
		return fmt.Errorf("cache %s: %w", videoID, err)
	}

	ref := domain.VideoRef{VideoID: videoID, VideoURL: videoURL}
	out := opts.output(cmd)
	if opts.Wait <= 0 {
		return out.Success(ref, "Caching "+videoID)
	}

	// Failed downloads produce no event, so the wait is the only bound.
	select {
	case c := <-done:
		if !c.Cached {
			return WrapExitError(ExitFailure, "video was removed while downloading", nil)
		}
		return out.Success(ref, "Cached "+videoID)
	case <-time.After(opts.Wait):
		return WrapExitError(ExitFailure, fmt.Sprintf("%s not cached after %s", videoID, opts.Wait), nil)
	}
}

// NewRemoveCommand creates the rm command.
func NewRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <video-id> [video-url]",
		Short: "Remove a cached video (every copy when no url is given)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			assets, err := opts.assets(client)
			if err != nil {
				return err
			}
			defer assets.Close()

			ref := domain.VideoRef{VideoID: args[0]}
			if len(args) == 2 {
				ref.VideoURL = args[1]
			}
			if err := assets.Remove(cmd.Context(), ref.VideoID, ref.VideoURL); err != nil {
				return fmt.Errorf("remove %s: %w", ref.VideoID, err)
			}
			return opts.output(cmd).Success(ref, "Removing "+ref.VideoID)
		},
	}
}

// NewListCommand creates the ls command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [query]",
		Short: "List cached videos, optionally fuzzy-filtered",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			assets, err := opts.assets(client)
			if err != nil {
				return err
			}
			defer assets.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			videos := assets.ListCached(ctx)
			if len(args) == 1 {
				videos = search.Assets(search.NewIndex(videos).Filter(args[0]))
			}
			return opts.output(cmd).Success(domain.CachedVideosPayload{Videos: videos}, formatVideos(videos))
		},
	}
}

// NewPlayCommand creates the play command.
func NewPlayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "play <video-id>",
		Short: "Open a cached video in a local player",
		Long: `Open a cached video in the configured player (player.command), or the
first installed known player. Works without a network connection.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			assets, err := opts.assets(client)
			if err != nil {
				return err
			}
			defer assets.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			for _, v := range assets.ListCached(ctx) {
				if v.VideoID != args[0] {
					continue
				}
				path, ok := assets.LocalPath(v.VideoURL)
				if !ok {
					continue
				}
				if err := adapter.NewPlayer(opts.Config.Player, opts.Logger).Play(path); err != nil {
					return WrapExitError(ExitFailure, "failed to start player", err)
				}
				return opts.output(cmd).Success(domain.VideoRef{VideoID: v.VideoID, VideoURL: v.VideoURL}, "Playing "+v.VideoID)
			}
			return WrapExitError(ExitFailure, args[0]+" is not cached", nil)
		},
	}
}

func formatVideos(videos []domain.CachedAsset) string {
	if len(videos) == 0 {
		return "No cached videos"
	}
	var b strings.Builder
	for i, v := range videos {
		if i > 0 {
			b.WriteByte('\n')
		}
		caption := v.Caption
		if caption == "" {
			caption = "-"
		}
		fmt.Fprintf(&b, "%-12s %10d  %s  %s", v.VideoID, v.Size, v.CachedAt.Format(time.DateTime), caption)
	}
	return b.String()
}
