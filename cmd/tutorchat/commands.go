package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pavelanni/tutorchat/internal/conversation"
	"github.com/pavelanni/tutorchat/internal/handler"
	appI18n "github.com/pavelanni/tutorchat/internal/i18n"
	"github.com/pavelanni/tutorchat/internal/model"
	"github.com/pavelanni/tutorchat/internal/store"
	"github.com/pavelanni/tutorchat/internal/tui"
	"github.com/pavelanni/tutorchat/internal/tutor"
)

// client bundles what every backend-facing command needs.
type client struct {
	cfg     model.ClientConfig
	service tutor.Service
	ctx     context.Context
	stop    func()
}

// newClient sets up logging, configuration and the tutor backend for cmd.
func newClient(cmd *cobra.Command) (*client, error) {
	closeLog, err := setupLogging(cmd)
	if err != nil {
		return nil, err
	}
	v := viperForCmd(cmd)

	cfg, err := loadConfig(v)
	if err != nil {
		closeLog()
		return nil, err
	}

	var svc tutor.Service
	switch cfg.Backend {
	case "openai":
		svc, err = tutor.NewLLMClient(cfg, slog.Default())
		if err != nil {
			closeLog()
			return nil, fmt.Errorf("create LLM tutor: %w", err)
		}
	default:
		svc = tutor.NewHTTPClient(cfg, slog.Default())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = appI18n.WithLanguage(ctx, cfg.Lang)
	return &client{
		cfg:     cfg,
		service: svc,
		ctx:     ctx,
		stop: func() {
			stop()
			closeLog()
		},
	}, nil
}

// newConversation starts a fresh session. With an archive configured, every
// committed message and answer lock is recorded there.
func (c *client) newConversation() (*conversation.Controller, func(), error) {
	opts := []conversation.Option{
		conversation.WithLogger(slog.Default()),
		conversation.WithStalePolicy(c.cfg.Stale),
		conversation.WithFallbackError(appI18n.T(c.ctx, "ErrorFallback")),
		conversation.WithAuthor(c.cfg.AuthorID),
		conversation.WithRequestDefaults(c.cfg.Context, c.cfg.Temperature),
	}
	closeFn := func() {}
	if c.cfg.ArchivePath != "" {
		archive, err := store.New(c.cfg.ArchivePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open archive: %w", err)
		}
		opts = append(opts, conversation.WithRecorder(archive))
		closeFn = func() {
			if err := archive.Close(); err != nil {
				slog.Warn("close archive", "error", err)
			}
		}
	}

	sessionID := uuid.NewString()
	ctrl := conversation.NewController(conversation.NewStore(sessionID), c.service, opts...)
	slog.Info("session started",
		"session_id", sessionID,
		"backend", c.cfg.Backend,
		"lang", c.cfg.Lang,
		"archive", c.cfg.ArchivePath,
	)
	return ctrl, closeFn, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.stop()

	ctrl, closeArchive, err := c.newConversation()
	if err != nil {
		return err
	}
	defer closeArchive()

	return tui.Run(c.ctx, ctrl)
}

func runAsk(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.stop()
	cmd.SilenceUsage = true

	ctrl, closeArchive, err := c.newConversation()
	if err != nil {
		return err
	}
	defer closeArchive()

	reply, err := ctrl.Send(c.ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if st := ctrl.Store().Snapshot(); st.Error != "" {
		return errors.New(st.Error)
	}
	if reply == nil {
		return nil
	}
	out := cmd.OutOrStdout()
	printReply(c.ctx, out, *reply)
	if !viperForCmd(cmd).GetBool("quiz") || len(reply.Questions) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	answers, err := readAnswers(c.ctx, cmd.InOrStdin(), out, reply.Questions)
	if err != nil {
		return fmt.Errorf("read answers: %w", err)
	}
	ctrl.SetPending(answers)
	if len(answers) == 0 {
		fmt.Fprintln(out, appI18n.T(c.ctx, "NothingToSubmit"))
		return nil
	}
	feedback := ctrl.SubmitAnswersOnly(c.ctx)
	if st := ctrl.Store().Snapshot(); st.Error != "" {
		return errors.New(st.Error)
	}
	if feedback != nil {
		fmt.Fprintln(out)
		printReply(c.ctx, out, *feedback)
	}
	return nil
}

// readAnswers asks for one option per question, one line each. A blank line
// skips the question; an unknown option is asked again.
func readAnswers(ctx context.Context, in io.Reader, out io.Writer, questions []model.Question) ([]model.QuestionAnswer, error) {
	sc := bufio.NewScanner(in)
	var answers []model.QuestionAnswer
	for _, q := range questions {
		for {
			fmt.Fprintf(out, "%s> ", q.ID)
			if !sc.Scan() {
				return answers, sc.Err()
			}
			choice := strings.TrimSpace(sc.Text())
			if choice == "" {
				break
			}
			if o, ok := q.Option(choice); ok {
				answers = append(answers, model.QuestionAnswer{QuestionID: q.ID, SelectedOptionID: o.ID})
				break
			}
			fmt.Fprintln(out, appI18n.Td(ctx, "UnknownOption", map[string]any{"Option": choice}))
		}
	}
	return answers, nil
}

// printReply writes a tutor message and its questions as plain text.
func printReply(ctx context.Context, w io.Writer, m model.Message) {
	fmt.Fprintln(w, m.Text)
	if len(m.Questions) == 0 {
		return
	}
	fmt.Fprintln(w)
	if m.QuestionsTitle != "" {
		fmt.Fprintln(w, m.QuestionsTitle)
	}
	for _, q := range m.Questions {
		header := appI18n.Td(ctx, "QuestionN", map[string]any{"ID": q.ID})
		fmt.Fprintf(w, "%s: %s\n", header, q.Prompt)
		for _, o := range q.Options {
			fmt.Fprintf(w, "  %s. %s\n", o.ID, o.Text)
		}
	}
}

func runHealth(cmd *cobra.Command, _ []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.stop()
	cmd.SilenceUsage = true

	h, err := c.service.Health(c.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), appI18n.Td(c.ctx, "ServiceHealthy", map[string]any{
		"Status":      h.Status,
		"Version":     h.Version,
		"ModelLoaded": h.ModelLoaded,
	}))
	return nil
}

func runModels(cmd *cobra.Command, _ []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.stop()
	cmd.SilenceUsage = true

	models, err := c.service.Models(c.ctx)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, m := range models {
		if m.Description != "" {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, m.Description)
		} else {
			fmt.Fprintf(w, "%s\t%s\n", m.ID, m.Name)
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.stop()

	ctrl, closeArchive, err := c.newConversation()
	if err != nil {
		return err
	}
	defer closeArchive()

	h := handler.New(ctrl, c.service, slog.Default())

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(c.cfg.Lang))
	h.Routes(r)

	srv := &http.Server{
		Addr:              viperForCmd(cmd).GetString("addr"),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", srv.Addr,
			"backend", c.cfg.Backend,
			"url", c.cfg.URL,
			"session_id", ctrl.Store().SessionID(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-c.ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	h.Wait()
	slog.Info("server stopped")
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	closeLog, err := setupLogging(cmd)
	if err != nil {
		return err
	}
	defer closeLog()
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := store.New(v.GetString("archive"))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer db.Close()

	var export any
	switch {
	case v.GetBool("list"):
		sessions, err := db.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		export = sessions
	case v.GetString("session") != "":
		transcript, err := db.ExportSession(ctx, v.GetString("session"))
		if err != nil {
			return fmt.Errorf("export session: %w", err)
		}
		export = &model.TranscriptExport{
			ExportedAt: time.Now().UTC(),
			Sessions:   []model.SessionTranscript{transcript},
		}
	default:
		all, err := db.ExportAllSessions(ctx)
		if err != nil {
			return fmt.Errorf("export sessions: %w", err)
		}
		export = all
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}
