package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmcdole/kinosync/internal/domain"
)

// performTimeout covers one HTTP attempt by the background service.
const performTimeout = 45 * time.Second

// NewLikeCommand creates the like command.
func NewLikeCommand(opts *RootOptions) *cobra.Command {
	var undo, deferred bool

	cmd := &cobra.Command{
		Use:   "like <video-id>",
		Short: "Like a video (queued when the server is unreachable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := http.MethodPost
			if undo {
				method = http.MethodDelete
			}
			return runAction(cmd, opts, deferred, domain.EnqueueActionPayload{
				Type:     domain.ActionLike,
				Endpoint: "/videos/" + url.PathEscape(args[0]) + "/like",
				Method:   method,
			})
		},
	}

	cmd.Flags().BoolVar(&undo, "undo", false, "remove the like instead")
	cmd.Flags().BoolVar(&deferred, "defer", false, "queue without trying the server first")
	return cmd
}

// NewCommentCommand creates the comment command.
func NewCommentCommand(opts *RootOptions) *cobra.Command {
	var deferred bool

	cmd := &cobra.Command{
		Use:   "comment <video-id> <text...>",
		Short: "Comment on a video (queued when the server is unreachable)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"text": strings.Join(args[1:], " ")})
			if err != nil {
				return err
			}
			return runAction(cmd, opts, deferred, domain.EnqueueActionPayload{
				Type:     domain.ActionComment,
				Endpoint: "/videos/" + url.PathEscape(args[0]) + "/comments",
				Method:   http.MethodPost,
				Body:     body,
			})
		},
	}

	cmd.Flags().BoolVar(&deferred, "defer", false, "queue without trying the server first")
	return cmd
}

// runAction asks the background service to send req now, or only to queue
// it when deferred is set. A queued action exits with ExitOffline.
func runAction(cmd *cobra.Command, opts *RootOptions, deferred bool, req domain.EnqueueActionPayload) error {
	client, err := opts.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	// Snapshot the current token so a later login does not change who acted.
	req.Token = opts.Config.Server.Token
	out := opts.output(cmd)

	if deferred {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		var queued domain.ActionQueuedPayload
		if err := client.RequestPayload(ctx, domain.CmdEnqueueAction, req, &queued); err != nil {
			return fmt.Errorf("%s: %w", req.Type, err)
		}
		return out.Success(queued, fmt.Sprintf("Queued %s #%d (%s %s)", req.Type, queued.ID, req.Method, req.Endpoint))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), performTimeout)
	defer cancel()
	var result domain.ActionResultPayload
	if err := client.RequestPayload(ctx, domain.CmdPerformAction, req, &result); err != nil {
		return fmt.Errorf("%s: %w", req.Type, err)
	}
	if result.Performed {
		return out.Success(result, fmt.Sprintf("Sent %s (%s %s)", req.Type, req.Method, req.Endpoint))
	}
	if result.ID == 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("%s was neither sent nor queued", req.Type), nil)
	}
	_ = out.Success(result, fmt.Sprintf("Server unreachable, queued %s #%d (%s %s)", req.Type, result.ID, req.Method, req.Endpoint))
	return &ExitError{Code: ExitOffline, Message: string(req.Type) + " queued until the server is reachable"}
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(opts *RootOptions) *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List actions not yet confirmed by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			var reply domain.PendingActionsPayload
			query := domain.PendingActionsQuery{Type: domain.ActionType(typ)}
			if err := client.RequestPayload(ctx, domain.CmdGetPendingActions, query, &reply); err != nil {
				return fmt.Errorf("pending: %w", err)
			}
			return opts.output(cmd).Success(reply, formatActions(reply.Actions))
		},
	}

	cmd.Flags().StringVar(&typ, "type", "", "only actions of this type (like, comment)")
	return cmd
}

func formatActions(actions []domain.QueuedAction) string {
	if len(actions) == 0 {
		return "No pending actions"
	}
	var b strings.Builder
	for i, a := range actions {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%-4d %-8s %-6s %s  %s", a.ID, a.Type, a.Method, a.Endpoint, a.CreatedAt.Format(time.DateTime))
	}
	return b.String()
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Send queued actions to the server now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			replayed := make(chan domain.ActionsReplayedPayload, 1)
			unsubscribe := client.Subscribe(func(evt domain.Event) {
				var p domain.ActionsReplayedPayload
				if evt.Type == domain.EvtActionsReplayed && evt.Decode(&p) == nil {
					select {
					case replayed <- p:
					default:
					}
				}
			})
			defer unsubscribe()

			// An empty queue replays silently.
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			var pending domain.PendingActionsPayload
			if err := client.RequestPayload(ctx, domain.CmdGetPendingActions, domain.PendingActionsQuery{}, &pending); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			if len(pending.Actions) == 0 {
				return opts.output(cmd).Success(domain.ActionsReplayedPayload{}, "Nothing to replay")
			}

			if err := client.PostPayload(cmd.Context(), domain.CmdReplayActions, nil); err != nil {
				return fmt.Errorf("replay: %w", err)
			}

			select {
			case p := <-replayed:
				out := opts.output(cmd)
				if p.Remaining > 0 {
					_ = out.Success(p, fmt.Sprintf("Replayed %d, %d still queued", p.Replayed, p.Remaining))
					return &ExitError{Code: ExitOffline, Message: "some actions are still queued"}
				}
				return out.Success(p, fmt.Sprintf("Replayed %d", p.Replayed))
			case <-ctx.Done():
				return WrapExitError(ExitFailure, "replay did not finish", ctx.Err())
			}
		},
	}
}
