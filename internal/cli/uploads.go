package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmcdole/kinosync/internal/domain"
	"github.com/mmcdole/kinosync/internal/page"
)

// UploadOptions holds flags for the upload command.
type UploadOptions struct {
	*RootOptions
	ID        string
	ChunkSize int
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UploadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "upload <file> <upload-url>",
		Short: "Upload a file to a tus endpoint, resuming if interrupted",
		Long: `Upload a file to an upload URL already created on the server.

The upload id defaults to the last path segment of the URL. Running the
same command again after an interruption resumes at the offset the server
last acknowledged.

Example:
  kinosync upload clip.mp4 https://api.example.com/files/24e533e0`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "upload id (default: last segment of the upload url)")
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", 0, "chunk size in bytes (default: upload.chunk_size)")

	return cmd
}

func runUpload(cmd *cobra.Command, opts *UploadOptions, file, uploadURL string) error {
	out := opts.output(cmd)

	f, err := os.Open(file)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open file", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to stat file", err)
	}
	if info.Size() == 0 {
		return WrapExitError(ExitCommandError, "nothing to upload", errors.New("file is empty"))
	}

	id := opts.ID
	if id == "" {
		id = path.Base(uploadURL)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = opts.Config.Upload.ChunkSize
	}

	client, err := opts.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	uploader := page.NewUploader(client, page.UploaderOptions{
		ChunkSize:       chunkSize,
		ProgressTimeout: opts.Config.Upload.RequestTimeout,
		OnProgress: func(offset, total int64) {
			out.Progress("%s: %d/%d bytes (%.0f%%)", id, offset, total, float64(offset)*100/float64(total))
		},
	}, opts.Logger)

	if err := uploader.Upload(cmd.Context(), id, uploadURL, f, info.Size()); err != nil {
		if errors.Is(err, page.ErrUploadCancelled) {
			return WrapExitError(ExitFailure, "upload cancelled", err)
		}
		return fmt.Errorf("upload %s: %w", id, err)
	}

	return out.Success(domain.UploadProgressPayload{UploadID: id, Offset: info.Size(), Total: info.Size()},
		fmt.Sprintf("Uploaded %s (%d bytes)", id, info.Size()))
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <upload-id>",
		Short: "Show the persisted state of an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			var st domain.UploadStatusPayload
			if err := client.RequestPayload(ctx, domain.CmdGetStatus, domain.UploadRef{UploadID: args[0]}, &st); err != nil {
				return fmt.Errorf("status %s: %w", args[0], err)
			}
			return opts.output(cmd).Success(st, formatStatus(st))
		},
	}
}

func formatStatus(st domain.UploadStatusPayload) string {
	if st.State == domain.UploadAbsent {
		return fmt.Sprintf("%s: no such upload", st.UploadID)
	}
	return fmt.Sprintf("%s: %s, %d/%d bytes", st.UploadID, st.State, st.Offset, st.Total)
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <upload-id>",
		Short: "Cancel an upload and forget its offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			id := args[0]
			cancelled := make(chan struct{}, 1)
			unsubscribe := client.Subscribe(func(evt domain.Event) {
				var ref domain.UploadRef
				if evt.Type == domain.EvtUploadCancelled && evt.Decode(&ref) == nil && ref.UploadID == id {
					select {
					case cancelled <- struct{}{}:
					default:
					}
				}
			})
			defer unsubscribe()

			if err := client.PostPayload(cmd.Context(), domain.CmdCancelUpload, domain.UploadRef{UploadID: id}); err != nil {
				return fmt.Errorf("cancel %s: %w", id, err)
			}

			// No event arrives for an unknown id.
			select {
			case <-cancelled:
				return opts.output(cmd).Success(domain.UploadRef{UploadID: id}, "Cancelled "+id)
			case <-time.After(2 * time.Second):
				return opts.output(cmd).Success(domain.UploadRef{UploadID: id}, "No active upload "+id)
			}
		},
	}
}
