package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/client"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/clientstate"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/logging"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/presence"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const reconnectDelay = time.Second

type watchOptions struct {
	server    string
	token     string
	tableID   string
	viewID    string
	after     int64
	heartbeat bool
}

func newWatchCommand() *cobra.Command {
	options := watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a table's activity, presence and typing signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger("info", logging.FormatConsole)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, options, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&options.server, "server", "http://localhost:8080", "Server base URL")
	flags.StringVar(&options.token, "token", "", "Collaborator session token")
	flags.StringVar(&options.tableID, "table", "", "Table id")
	flags.StringVar(&options.viewID, "view", "", "View id")
	flags.Int64Var(&options.after, "after", -1, "Replay entries after this id (-1 follows the live tail)")
	flags.BoolVar(&options.heartbeat, "heartbeat", false, "Appear in the table's presence list while watching")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

// watch follows the channel and reconnects from the last seen id when the server asks
// the subscriber to resubscribe.
func watch(ctx context.Context, options watchOptions, logger *zap.Logger) error {
	state := &watchState{feed: clientstate.NewFeed(clientstate.DefaultFeedCapacity)}
	after := options.after
	for {
		err := followChannel(ctx, options, after, state, logger)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, errResubscribe) {
			return err
		}
		if lastID := state.feed.LastID(); lastID > 0 {
			after = lastID
		}
		logger.Info("resubscribing", zap.Int64("after", after))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

var errResubscribe = errors.New("watch: server requested resubscribe")

// watchState survives reconnects so a resumed channel continues where the last one stopped.
type watchState struct {
	feed  *clientstate.Feed
	locks *clientstate.LockView
}

func followChannel(ctx context.Context, options watchOptions, after int64, state *watchState, logger *zap.Logger) error {
	channel, err := client.Dial(ctx, client.Options{
		BaseURL: options.server,
		Token:   options.token,
		TableID: options.tableID,
		ViewID:  options.viewID,
		AfterID: after,
	})
	if err != nil {
		return err
	}
	defer channel.Close()

	hello := channel.Hello()
	logger.Info("connected",
		zap.String("user_id", hello.User.ID),
		zap.String("table_id", hello.TableID),
		zap.Int64("latest_id", hello.LatestID))
	if state.locks == nil {
		state.locks = clientstate.NewLockView(hello.User.ID)
	}

	if options.heartbeat {
		interval := time.Duration(hello.Settings.HeartbeatMillis) * time.Millisecond
		if interval <= 0 {
			interval = 5 * time.Second
		}
		go sendHeartbeats(ctx, channel, options.viewID, interval, logger)
	}

	for {
		envelope, err := channel.Next(ctx)
		if err != nil {
			return err
		}
		switch envelope.Type {
		case wire.TypeActivityEntry:
			var entry activity.Entry
			if err := envelope.Decode(&entry); err != nil {
				return err
			}
			if state.feed.Push(entry) {
				logger.Info(describeEntry(entry),
					zap.Int64("id", entry.ID),
					zap.String("user_id", entry.UserID),
					zap.Any("details", entry.Details))
				trackLock(state.locks, entry, logger)
			}
		case wire.TypePresenceUpdate, wire.TypeTypingUpdate:
			logger.Info(envelope.Type, zap.ByteString("payload", envelope.Payload))
		case wire.TypeError:
			var payload wire.ErrorPayload
			if err := envelope.Decode(&payload); err != nil {
				return err
			}
			if payload.Error == "resubscribe" {
				return errResubscribe
			}
			logger.Warn("server error", zap.String("code", payload.Code), zap.String("message", payload.Message))
		}
	}
}

func sendHeartbeats(ctx context.Context, channel *client.Channel, viewID string, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		payload := wire.HeartbeatPayload{ViewID: viewID, Cursor: presence.Cursor{Mode: presence.CursorFocus}}
		if _, err := channel.Send(wire.TypeHeartbeat, payload); err != nil {
			logger.Debug("heartbeat stopped", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// trackLock folds lock entries into view and logs the resulting ownership of the field.
func trackLock(view *clientstate.LockView, entry activity.Entry, logger *zap.Logger) {
	switch entry.ActionType {
	case collab.ActionLockAcquired, collab.ActionLockReleased, collab.ActionLockBroken:
	default:
		return
	}
	view.Apply(entry)
	key := collab.FieldKey{TableID: entry.TableID, RowID: entry.RowID, FieldID: entry.FieldID}
	owner := ""
	if held, ok := view.Owner(key); ok {
		owner = held.Owner
	}
	logger.Info("lock owner",
		zap.String("field", key.String()),
		zap.String("owner_user_id", owner),
		zap.Int("locks_held", len(view.Snapshot())))
}

func describeEntry(entry activity.Entry) string {
	target := entry.RowID
	if entry.FieldID != "" {
		target = fmt.Sprintf("%s/%s", entry.RowID, entry.FieldID)
	}
	if target == "" {
		return string(entry.ActionType)
	}
	return fmt.Sprintf("%s %s", entry.ActionType, target)
}
