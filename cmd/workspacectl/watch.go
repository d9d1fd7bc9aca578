package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <pageId>...",
	Short: "Print change events published for the given pages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		publisher, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.NotifyChannelPrefix, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()

		channels := make([]string, 0, len(args))
		for _, pageID := range args {
			channels = append(channels, notify.PageChannel(pageID))
		}
		sub := publisher.Subscribe(ctx, channels...)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return nil
				}
				env, err := notify.DecodeEnvelope(msg.Payload)
				if err != nil {
					logger.Warn().Err(err).Str("channel", msg.Channel).Msg("skip undecodable message")
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", env.PublishedAt.Format("15:04:05.000"), msg.Channel, env.Event, string(env.Payload))
			}
		}
	},
}
