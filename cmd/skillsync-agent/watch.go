package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func (a *agent) newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream published progress updates as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWatch(cmd.Context(), cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.String("feed-url", "ws://127.0.0.1:8080/v1/progress/feed", "service feed URL")
	flags.String("token", "", "bearer token with progress:read")
	return cmd
}

func (a *agent) runWatch(ctx context.Context, out io.Writer) error {
	token := strings.TrimSpace(a.v.GetString("token"))
	if token == "" {
		return fmt.Errorf("token is required (--token or SKILLSYNC_TOKEN)")
	}
	err := watchFeed(ctx, a.v.GetString("feed-url"), token, out)
	if err != nil {
		a.log().Error("feed closed", zap.Error(err))
	}
	return err
}

// watchFeed copies every feed message to out, one JSON document per line,
// until ctx is done or the server closes the stream.
func watchFeed(ctx context.Context, url, token string, out io.Writer) error {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.CloseNow()

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return err
		}
		if _, err := out.Write(append(bytes.TrimSpace(msg), '\n')); err != nil {
			return err
		}
	}
}
