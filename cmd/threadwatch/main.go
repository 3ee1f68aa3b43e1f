package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"ticketdesk/threads/internal/config"
	"ticketdesk/threads/internal/live"
	"ticketdesk/threads/internal/push"
	"ticketdesk/threads/internal/remote"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	cliApp := &cli.App{
		Name:  "threadwatch",
		Usage: "follow and write comment threads on a ticketdesk authority",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a TOML config file", EnvVars: []string{config.EnvPrefix + "CONFIG"}},
			&cli.StringFlag{Name: "base-url", Usage: "authority root, overrides client.base_url"},
			&cli.StringFlag{Name: "token", Usage: "bearer token, overrides client.token"},
			&cli.StringFlag{Name: "name", Usage: "log in under this display name when no token is set, overrides client.viewer"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logger = logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "watch",
				Usage:     "render a subject's thread and keep it live",
				ArgsUsage: "<subject>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "pages", Value: 1, Usage: "pages of root comments to load"},
				},
				Action: func(c *cli.Context) error {
					return watch(c, logger)
				},
			},
			{
				Name:      "post",
				Usage:     "create a root comment",
				ArgsUsage: "<subject> <content...>",
				Action: command(&logger, 2, func(ctx context.Context, client *remote.Client, args []string) (any, error) {
					return client.CreateComment(ctx, args[0], strings.Join(args[1:], " "))
				}),
			},
			{
				Name:      "reply",
				Usage:     "reply to a comment",
				ArgsUsage: "<subject> <parent> <content...>",
				Action: command(&logger, 3, func(ctx context.Context, client *remote.Client, args []string) (any, error) {
					return client.CreateReply(ctx, args[0], args[1], strings.Join(args[2:], " "))
				}),
			},
			{
				Name:      "edit",
				Usage:     "replace a comment's content",
				ArgsUsage: "<subject> <comment> <content...>",
				Action: command(&logger, 3, func(ctx context.Context, client *remote.Client, args []string) (any, error) {
					return client.UpdateComment(ctx, args[0], args[1], strings.Join(args[2:], " "))
				}),
			},
			{
				Name:      "react",
				Usage:     "set your reaction on a comment, or clear it with --clear",
				ArgsUsage: "<subject> <comment> [kind]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "clear", Usage: "remove your reaction"},
				},
				Action: func(c *cli.Context) error {
					clearOnly := c.Bool("clear")
					minArgs := 3
					if clearOnly {
						minArgs = 2
					}
					return command(&logger, minArgs, func(ctx context.Context, client *remote.Client, args []string) (any, error) {
						if clearOnly {
							return client.ClearReaction(ctx, args[0], args[1])
						}
						return client.SetReaction(ctx, args[0], args[1], args[2])
					})(c)
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a comment and its replies",
				ArgsUsage: "<subject> <comment>",
				Action: command(&logger, 2, func(ctx context.Context, client *remote.Client, args []string) (any, error) {
					return client.DeleteComment(ctx, args[0], args[1])
				}),
			},
			{
				Name:      "attach",
				Usage:     "upload files to a comment",
				ArgsUsage: "<subject> <comment> <file...>",
				Action: command(&logger, 3, func(ctx context.Context, client *remote.Client, args []string) (any, error) {
					files, closeAll, err := openFiles(args[2:])
					if err != nil {
						return nil, err
					}
					defer closeAll()
					return client.AttachFiles(ctx, args[0], args[1], files)
				}),
			},
			{
				Name:      "detach",
				Usage:     "remove an attachment from a comment",
				ArgsUsage: "<subject> <comment> <name>",
				Action: command(&logger, 3, func(ctx context.Context, client *remote.Client, args []string) (any, error) {
					return client.DetachFile(ctx, args[0], args[1], args[2])
				}),
			},
			{
				Name:  "logout",
				Usage: "revoke the configured token",
				Action: command(&logger, 0, func(ctx context.Context, client *remote.Client, _ []string) (any, error) {
					if err := client.Logout(ctx); err != nil {
						return nil, err
					}
					return map[string]bool{"ok": true}, nil
				}),
			},
			{
				Name:      "search",
				Usage:     "search a subject's comments",
				ArgsUsage: "<subject> <query...>",
				Action: command(&logger, 2, func(ctx context.Context, client *remote.Client, args []string) (any, error) {
					return client.Search(ctx, args[0], strings.Join(args[1:], " "))
				}),
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "threadwatch:", err)
		os.Exit(1)
	}
}

// command wraps a one-shot request: it checks the argument count, connects,
// runs fn and prints the acknowledgment as JSON.
func command(logger *zerolog.Logger, minArgs int, fn func(context.Context, *remote.Client, []string) (any, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		args := c.Args().Slice()
		if len(args) < minArgs {
			return cli.Exit(fmt.Sprintf("usage: threadwatch %s %s", c.Command.Name, c.Command.ArgsUsage), 2)
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		client, err := connect(c.Context, cfg, *logger)
		if err != nil {
			return err
		}
		out, err := fn(c.Context, client, args)
		if err != nil {
			return explain(err)
		}
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if v := c.String("base-url"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := c.String("token"); v != "" {
		cfg.Client.Token = v
	}
	if v := c.String("name"); v != "" {
		cfg.Client.Viewer = v
	}
	if err := cfg.ValidateClient(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// connect returns a client holding a token, logging in under the configured
// viewer name when no token was given.
func connect(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*remote.Client, error) {
	client := remote.New(remote.Options{BaseURL: cfg.Client.BaseURL, Token: cfg.Client.Token, Logger: logger})
	if client.Token() != "" {
		return client, nil
	}
	if strings.TrimSpace(cfg.Client.Viewer) == "" {
		return nil, errors.New("no token configured: pass --token or --name")
	}
	if _, err := client.Login(ctx, cfg.Client.Viewer); err != nil {
		return nil, fmt.Errorf("login as %q: %w", cfg.Client.Viewer, err)
	}
	return client, nil
}

func explain(err error) error {
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) && remoteErr.Code != "" {
		return fmt.Errorf("%s: %w", remoteErr.Code, err)
	}
	return err
}

func openFiles(paths []string) ([]remote.File, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	files := make([]remote.File, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open attachment: %w", err)
		}
		opened = append(opened, f)
		files = append(files, remote.File{
			Name:        filepath.Base(path),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Body:        f,
		})
	}
	return files, closeAll, nil
}

func syncOptions(cfg config.Config) live.Options {
	backoff := push.DefaultBackoff()
	if cfg.Sync.BackoffBase > 0 {
		backoff.Base = cfg.Sync.BackoffBase
	}
	if cfg.Sync.BackoffMax > 0 {
		backoff.Max = cfg.Sync.BackoffMax
	}
	backoff.Constant = cfg.Sync.BackoffConstant
	return live.Options{
		PageSize:          cfg.Sync.PageSize,
		AppliedLogSize:    cfg.Sync.AppliedLogSize,
		ParkLimit:         cfg.Sync.ParkLimit,
		QueueSize:         cfg.Sync.QueueSize,
		Backoff:           backoff,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
	}
}

func watch(c *cli.Context, logger zerolog.Logger) error {
	if c.NArg() < 1 {
		return cli.Exit("usage: threadwatch watch <subject>", 2)
	}
	subjectID := c.Args().First()
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	viewer := cfg.Client.Viewer
	sync := live.New(subjectID, live.Deps{
		Fetcher:  client,
		Commands: client,
		Dialer:   push.WebsocketDialer{BaseURL: client.BaseURL(), Token: client.Token},
		Viewer:   viewer,
		Logger:   logger,
	}, syncOptions(cfg))
	defer sync.Close()

	redraw := make(chan struct{}, 1)
	sync.OnChange(func(live.View) {
		select {
		case redraw <- struct{}{}:
		default:
		}
	})

	for page := 1; page < c.Int("pages"); page++ {
		if err := sync.LoadMore(ctx); err != nil {
			logger.Warn().Err(err).Msg("threadwatch: load more failed")
			break
		}
	}

	// The status ticker catches channel state changes, which do not touch
	// the view.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := ""
	draw := func() {
		var buf strings.Builder
		render(&buf, frame{SubjectID: subjectID, View: sync.Snapshot(), Status: sync.Status(), LastErr: sync.LastError()})
		if buf.String() == last {
			return
		}
		last = buf.String()
		fmt.Fprint(c.App.Writer, "\033[H\033[2J"+last)
	}
	draw()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-redraw:
			draw()
		case <-ticker.C:
			draw()
		}
	}
}
