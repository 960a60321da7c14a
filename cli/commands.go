package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	url     string
	apiKey  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "mkdctl",
		Short:         "mkdctl: drive the mkd automation controller from the terminal",
		Long:          "mkdctl connects to the controller's UI WebSocket and runs recording, playback and status commands against the automation backend.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8090/ws", "controller WebSocket address")
	flags.StringVar(&opts.apiKey, "api-key", "", "API key sent in hello")
	flags.DurationVar(&opts.timeout, "timeout", 35*time.Second, "time to wait for a command result")

	rootCmd.AddCommand(
		newSimpleCmd(opts, "status", "Show recording and backend status", "GET_STATUS"),
		newStartCmd(opts),
		newSimpleCmd(opts, "stop", "Stop the active recording", "STOP_RECORDING"),
		newSimpleCmd(opts, "pause", "Pause the active recording", "PAUSE_RECORDING"),
		newSimpleCmd(opts, "resume", "Resume a paused recording", "RESUME_RECORDING"),
		newRecentCmd(opts),
		newPlayCmd(opts),
		newSimpleCmd(opts, "ping", "Check that the backend answers", "PING"),
		newWatchCmd(opts),
	)

	return rootCmd
}

func newSimpleCmd(opts *options, use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, opts, command, nil)
		},
	}
}

func newStartCmd(opts *options) *cobra.Command {
	var (
		name, description, borderColor string
		frameRate                      float64
		showBorder                     bool
		video, audio, mouse, keyboard  bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a recording",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := map[string]any{}
			flags := cmd.Flags()
			setIf := func(flag, key string, value any) {
				if flags.Changed(flag) {
					params[key] = value
				}
			}
			setIf("name", "name", name)
			setIf("description", "description", description)
			setIf("frame-rate", "frame_rate", frameRate)
			setIf("border-color", "border_color", borderColor)
			setIf("show-border", "show_border", showBorder)
			setIf("video", "capture_video", video)
			setIf("audio", "capture_audio", audio)
			setIf("mouse", "capture_mouse", mouse)
			setIf("keyboard", "capture_keyboard", keyboard)
			return runCommand(cmd, opts, "START_RECORDING", params)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "recording name")
	cmd.Flags().StringVar(&description, "description", "", "recording description")
	cmd.Flags().Float64Var(&frameRate, "frame-rate", 30, "capture frame rate (1-60)")
	cmd.Flags().StringVar(&borderColor, "border-color", "", "border color as #RRGGBB")
	cmd.Flags().BoolVar(&showBorder, "show-border", true, "draw a border around the captured area")
	cmd.Flags().BoolVar(&video, "video", true, "capture video")
	cmd.Flags().BoolVar(&audio, "audio", false, "capture audio")
	cmd.Flags().BoolVar(&mouse, "mouse", true, "capture mouse input")
	cmd.Flags().BoolVar(&keyboard, "keyboard", true, "capture keyboard input")
	return cmd
}

func newRecentCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recent recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var params map[string]any
			if cmd.Flags().Changed("limit") {
				params = map[string]any{"limit": limit}
			}
			return runCommand(cmd, opts, "GET_RECENT_RECORDINGS", params)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of recordings to list (1-100)")
	return cmd
}

func newPlayCmd(opts *options) *cobra.Command {
	var (
		speed float64
		loop  bool
	)
	cmd := &cobra.Command{
		Use:   "play <recording-id>",
		Short: "Play back a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"recording_id": args[0]}
			if cmd.Flags().Changed("speed") {
				params["speed"] = speed
			}
			if cmd.Flags().Changed("loop") {
				params["loop"] = loop
			}
			return runCommand(cmd, opts, "START_PLAYBACK", params)
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 1, "playback speed (0.1-10)")
	cmd.Flags().BoolVar(&loop, "loop", false, "loop playback")
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the current state, then stream events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ack, err := connect(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			if err := writeJSON(out, ack.State); err != nil {
				return err
			}
			return client.Watch(cmd.Context(), func(ev EventMessage) error {
				return writeJSON(out, map[string]any{"event": ev.Event, "ts": ev.Ts, "data": ev.Data})
			})
		},
	}
}

func runCommand(cmd *cobra.Command, opts *options, command string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	client, _, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Command(ctx, command, params)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return err
	}
	return writeJSON(cmd.OutOrStdout(), data)
}

func connect(ctx context.Context, opts *options) (*Client, *HelloAckMessage, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	client, err := Dial(dialCtx, opts.url)
	if err != nil {
		return nil, nil, err
	}
	ack, err := client.Hello(dialCtx, opts.apiKey)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, ack, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
