package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"worksnotify/internal/app"
)

func sendTestCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "Send the test message to a channel once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			a, err := app.New(app.Options{ConfigPath: cfgPath})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := a.SendTest(ctx, channel)
			if err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("send failed: %s", res.Failures[0].Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id (default notify.test_channel_id)")
	return cmd
}
