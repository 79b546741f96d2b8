package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/chatsync"
	"github.com/pliu/groupsync/internal/config"
	"github.com/pliu/groupsync/internal/enrich"
	"github.com/pliu/groupsync/internal/logger"
	"github.com/pliu/groupsync/internal/models"
	"github.com/pliu/groupsync/internal/remote"
	"github.com/pliu/groupsync/internal/session"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "groupchat",
		Short:         "Terminal client for groupsyncd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML); GROUPSYNC_* env vars override it")

	root.AddCommand(loginCmd(), groupsCmd(), tailCmd(), sendCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Client
	log    *zap.Logger
	client *remote.Client
	state  *session.State
}

func newApp() (*app, error) {
	cfg, err := config.LoadClient(cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	client, err := remote.New(cfg.Server, cfg.Token, log.Named("remote"))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, client: client, state: session.New(client)}, nil
}

// requireSession fails early with a hint instead of showing empty data.
func (a *app) requireSession(ctx context.Context) (models.Identity, error) {
	id, err := a.state.CurrentIdentity(ctx)
	if errors.Is(err, apperr.ErrNotAuthenticated) {
		return id, fmt.Errorf("%w: run `groupchat login` and export GROUPSYNC_TOKEN", err)
	}
	return id, err
}

func (a *app) synchronizer() *chatsync.Synchronizer {
	return chatsync.New(chatsync.Deps{
		Messages: a.client,
		Feed:     a.client,
		Media:    a.client,
		Identity: a.state,
		Enricher: enrich.New(a.client, a.client, enrich.DefaultConcurrency, a.log.Named("enrich")),
		Log:      a.log.Named("sync"),
	}, chatsync.Options{
		CoalesceWindow: a.cfg.Sync.CoalesceWindow,
		PageSize:       a.cfg.Sync.PageSize,
	})
}

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and print the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.log.Sync()

			if password == "" {
				password = os.Getenv("GROUPSYNC_PASSWORD")
			}
			u, err := a.client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			a.state.SignIn(models.Identity{ID: u.ID, DisplayName: u.DisplayName(), Role: u.Role})
			fmt.Fprintf(cmd.ErrOrStderr(), "signed in as %s\n", u.DisplayName())
			fmt.Fprintf(cmd.OutOrStdout(), "export GROUPSYNC_TOKEN=%s\n", a.client.Token())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "login name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default $GROUPSYNC_PASSWORD)")
	cmd.MarkFlagRequired("username")
	return cmd
}

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.log.Sync()
			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			groups, err := a.client.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tcreated %s\n", g.ID, g.Name, humanize.Time(g.CreatedAt))
			}
			return nil
		},
	}
}

func tailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail <group>",
		Short: "Print a group's messages and follow new ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if _, err := a.requireSession(ctx); err != nil {
				return err
			}

			s, err := a.synchronizer().Open(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if err := start(ctx, s); err != nil {
				return err
			}
			return follow(ctx, cmd.OutOrStdout(), s)
		},
	}
}

// start subscribes, then loads, so nothing sent during the load is missed.
func start(ctx context.Context, s *chatsync.Session) error {
	err := s.Subscribe(ctx)
	if err == nil {
		err = s.Load(ctx)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("group %s does not exist", s.GroupID())
	}
	return err
}

// follow prints each message once as views arrive.
func follow(ctx context.Context, out io.Writer, s *chatsync.Session) error {
	printed := make(map[string]bool)
	show := func(v chatsync.View) error {
		switch v.State {
		case chatsync.StateFailed:
			return v.Err
		case chatsync.StateNotFound:
			return fmt.Errorf("group %s is gone", v.GroupID)
		case chatsync.StateLoading:
			return nil
		}
		if len(printed) == 0 && v.Group != nil {
			fmt.Fprintf(out, "== %s (%d messages)\n", v.Group.Name, len(v.Messages))
		}
		for _, m := range v.Messages {
			if printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			fmt.Fprintln(out, formatMessage(m))
		}
		return nil
	}

	if err := show(s.View()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-s.Updates():
			if !ok {
				return nil
			}
			if err := show(v); err != nil {
				return err
			}
		}
	}
}

func formatMessage(m models.EnrichedMessage) string {
	who := m.SenderName
	if who == "" {
		who = m.SenderUsername
	}
	if m.SenderUsername != "" && m.SenderUsername != who {
		who += " (@" + m.SenderUsername + ")"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", humanize.Time(m.SentAt), who, m.Content)
	if link := cmp.Or(m.MediaLink, m.MediaURL); link != "" {
		if m.Content != "" {
			b.WriteString(" ")
		}
		b.WriteString("<" + link + ">")
	}
	if len(m.Tags) > 0 {
		b.WriteString(" #" + strings.Join(m.Tags, " #"))
	}
	return b.String()
}

func sendCmd() *cobra.Command {
	var (
		file     string
		tags     []string
		mentions []string
	)
	cmd := &cobra.Command{
		Use:   "send <group> [text]",
		Short: "Send a message, optionally with a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.log.Sync()

			d := chatsync.Draft{Tags: tags, Mentions: mentions}
			if len(args) == 2 {
				d.Content = args[1]
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				name := filepath.Base(file)
				d.Media = &chatsync.MediaFile{Name: name, ContentType: mime.TypeByExtension(filepath.Ext(name)), Data: data}
			}

			s, err := a.synchronizer().Open(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			msg, err := s.Send(cmd.Context(), d)
			if err != nil {
				if d.Content != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "not sent; your message was:\n%s\n", d.Content)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "attach a file")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag the message (repeatable)")
	cmd.Flags().StringSliceVar(&mentions, "mention", nil, "mention a user id (repeatable)")
	return cmd
}
