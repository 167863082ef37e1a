package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marcopiovanello/engine-dispatch/server"
	"github.com/marcopiovanello/engine-dispatch/server/config"
	"github.com/marcopiovanello/engine-dispatch/server/logging"
	middlewares "github.com/marcopiovanello/engine-dispatch/server/middleware"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var (
		configFile string
		closeLog   func()
	)

	root := &cobra.Command{
		Use:           "engine-dispatch",
		Short:         "Schedules downloads over pluggable command line engines",
		Version:       server.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(configFile)
			if err != nil {
				return err
			}
			closeLog, err = logging.Setup(cmd.Context(), conf)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if closeLog != nil {
				closeLog()
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "conf", "./config.yml", "Config file path")

	root.AddCommand(
		serveCommand(),
		downloadCommand(),
		enginesCommand(),
		checkUpdatesCommand(),
		archiveCommand(),
		tokenCommand(),
	)

	return root
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the http control api",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := config.Instance()
			slog.Info("starting server",
				slog.String("host", conf.Server.Host),
				slog.Int("port", conf.Server.Port),
				slog.Int("queue_size", conf.Server.QueueSize),
			)

			if err := server.Run(cmd.Context()); err != nil {
				slog.Error("server stopped with error", slog.Any("err", err))
				return err
			}

			slog.Info("server exited cleanly")
			return nil
		},
	}
}

func downloadCommand() *cobra.Command {
	var req server.DownloadRequest
	var list bool

	cmd := &cobra.Command{
		Use:   "download URL...",
		Short: "Download the given urls and wait for them to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, urls []string) error {
			if list {
				req.Mode = server.ModeList
			}

			app, err := server.Open(config.Instance())
			if err != nil {
				return err
			}

			var (
				mu         sync.Mutex
				pending    = make(map[string]bool)
				submitting = true
				failed     bool
				done       = make(chan struct{})
				finish     = sync.OnceFunc(func() { close(done) })
			)

			// terminal notifications may come before Submit returns the id
			early := make(map[string]server.DownloadState)

			settle := func(st server.DownloadState) {
				report(st)
				failed = failed || st.Status == server.StatusFailed
			}

			onChange := func(st server.DownloadState) {
				if !st.Status.IsTerminal() {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if !pending[st.Id] {
					early[st.Id] = st
					return
				}
				settle(st)
				delete(pending, st.Id)
				if !submitting && len(pending) == 0 {
					finish()
				}
			}
			app.Scheduler.Subscribe(onChange)

			var errs []error
			for _, url := range urls {
				r := req
				r.URL = url

				id, err := app.Scheduler.Submit(r)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", url, err))
					continue
				}

				mu.Lock()
				if st, ok := early[id]; ok {
					settle(st)
				} else {
					pending[id] = true
				}
				mu.Unlock()
			}

			mu.Lock()
			submitting = false
			if len(pending) == 0 {
				finish()
			}
			mu.Unlock()

			select {
			case <-done:
			case <-cmd.Context().Done():
			}

			app.Scheduler.Unsubscribe(onChange)

			conf := config.Instance()
			ctx, cancel := context.WithTimeout(context.Background(), 2*conf.Scheduler.GracePeriod+5*time.Second)
			defer cancel()

			if err := app.Shutdown(ctx, ""); err != nil {
				errs = append(errs, err)
			}

			if failed {
				errs = append(errs, errors.New("some downloads failed"))
			}

			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&req.EngineOverride, "engine", "", "Use this engine instead of the routed one")
	cmd.Flags().StringVar(&req.Path, "path", "", "Destination directory, relative to the download path")
	cmd.Flags().StringVar(&req.Rename, "rename", "", "Output file name template")
	cmd.Flags().StringSliceVar(&req.Params, "param", nil, "Extra engine argument, repeatable")
	cmd.Flags().BoolVar(&req.Force, "force", false, "Download even if already in the archive")
	cmd.Flags().BoolVar(&list, "list", false, "List the available formats instead of downloading")

	return cmd
}

func report(st server.DownloadState) {
	switch st.Status {
	case server.StatusFailed:
		fmt.Fprintf(os.Stderr, "%s\t%s\t%s: %s\n", st.Status, st.URL, st.ErrorKind, st.Reason)
	case server.StatusSkippedArchived:
		fmt.Printf("%s\t%s\talready downloaded\n", st.Status, st.URL)
	default:
		fmt.Printf("%s\t%s\t%s\n", st.Status, st.URL, st.Engine)
	}

	if len(st.Formats) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FORMAT\tEXT\tRESOLUTION\tNOTE")
		for _, f := range st.Formats {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.FormatCode, f.Extension, f.Resolution, f.Note)
		}
		w.Flush()
	}

	if st.Warning != "" {
		fmt.Fprintln(os.Stderr, "warning:", st.Warning)
	}
}

func enginesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the loaded engine definitions and their known versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := server.Open(config.Instance())
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background(), "")

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tINSTALLED\tLATEST\tCHECKED\tSOURCE")
			for _, d := range app.Engines.All() {
				rec, _ := app.Versions.Get(d.Name)

				installed := rec.Installed
				if rec.Broken {
					installed = "broken"
				}

				checked := "never"
				if !rec.CheckedAt.IsZero() {
					checked = humanize.Time(rec.CheckedAt)
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Name, installed, rec.Latest, checked, d.Source)
			}
			return w.Flush()
		},
	}
}

func checkUpdatesCommand() *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "check-updates",
		Short: "Check the release endpoints of the engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := server.Open(config.Instance())
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background(), "")

			records, checkErr := app.Updater.CheckAll(cmd.Context(), app.Engines.All())

			var errs []error
			if checkErr != nil {
				errs = append(errs, checkErr)
			}

			for _, rec := range records {
				if !rec.HasUpdate() {
					fmt.Printf("%s\t%s\tup to date\n", rec.Engine, rec.Installed)
					continue
				}

				fmt.Printf("%s\t%s\t%s available\n", rec.Engine, rec.Installed, rec.Latest)
				if !apply {
					continue
				}

				d, ok := app.Engines.Get(rec.Engine)
				if !ok {
					continue
				}
				out, err := app.Updater.Update(cmd.Context(), d)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", rec.Engine, err))
					continue
				}
				fmt.Printf("%s\tupdated to %s\n", out.Engine, out.Current)
			}

			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "Install the available updates")

	return cmd
}

func archiveCommand() *cobra.Command {
	archive := &cobra.Command{
		Use:   "archive",
		Short: "Manage the download archive",
	}

	archive.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every archived download",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := server.Open(config.Instance())
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background(), "")

			n := app.Archive.Len()
			if err := app.Archive.Clear(); err != nil {
				return err
			}
			fmt.Printf("removed %d entries from %s\n", n, app.Archive.Path())
			return nil
		},
	})

	return archive
}

func tokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the control api",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := middlewares.IssueToken(config.Instance().Authentication.Secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour*30, "Token validity")

	return cmd
}
