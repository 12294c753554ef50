package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appI18n "github.com/pavelanni/tutorchat/internal/i18n"
	"github.com/pavelanni/tutorchat/internal/model"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tutorchat",
		Short: "Chat with a tutor that quizzes you along the way",
	}

	chat := chatCmd()
	root.AddCommand(chat, askCmd(), healthCmd(), modelsCmd(), serveCmd(), exportCmd())

	// Make "chat" the default when no subcommand is given.
	root.RunE = chat.RunE

	// Register chat flags on root so bare `tutorchat --url ...` still works.
	root.Flags().AddFlagSet(chat.Flags())

	return root
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat screen",
		RunE:  runChat,
	}
	clientFlags(cmd)
	logFlags(cmd, "tutorchat.log")
	return cmd
}

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the tutor's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
	cmd.Flags().Bool("quiz", false, "Answer the reply's questions on stdin and print the feedback")
	clientFlags(cmd)
	logFlags(cmd, "")
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the tutor backend is reachable",
		RunE:  runHealth,
	}
	clientFlags(cmd)
	logFlags(cmd, "")
	return cmd
}

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models the tutor backend offers",
		RunE:  runModels,
	}
	clientFlags(cmd)
	logFlags(cmd, "")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose a live conversation over a local JSON API",
		RunE:  runServe,
	}
	cmd.Flags().StringP("addr", "a", "127.0.0.1:8787", "HTTP listen address")
	clientFlags(cmd)
	logFlags(cmd, "")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export archived conversations as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("archive", "tutorchat.db", "SQLite archive path")
	f.String("session", "", "Export a single session by id")
	f.Bool("list", false, "List archived sessions instead of exporting")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	logFlags(cmd, "")
	return cmd
}

// clientFlags registers the flags shared by every command that talks to a
// tutor backend.
func clientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("backend", "b", "http", "Tutor backend (http, openai)")
	f.StringP("url", "u", "http://localhost:8000", "Tutor service base URL")
	f.String("api-prefix", "/api/v1", "Tutor service API path prefix")
	f.String("api-key", "", "API key sent as X-API-Key (or set TUTORCHAT_API_KEY)")
	f.Duration("timeout", 60*time.Second, "Per-request timeout (0 disables)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL (openai backend)")
	f.String("llm-key", "ollama", "API key for LLM (openai backend)")
	f.String("llm-model", "llama3.2", "LLM model name (openai backend)")
	f.Float64("temperature", -1, "Sampling temperature (negative uses the backend default)")
	f.String("context", "", "Extra context sent with every request")
	f.StringP("lang", "l", "en", "UI language (en, pt)")
	f.String("archive", "", "SQLite archive path for transcripts (empty disables)")
	f.String("stale", string(model.StaleDiscard), "Responses of superseded requests (discard, apply)")
	f.String("author", "student", "Author id stamped on your messages")
}

func logFlags(cmd *cobra.Command, defaultFile string) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", defaultFile, "Log file path (empty for stderr)")
}

// setupLogging installs the default logger. The returned function closes the
// log file, if one was opened.
func setupLogging(cmd *cobra.Command) (func(), error) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if path := v.GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
	return closeFn, nil
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TUTORCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("tutorchat")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/tutorchat")
	v.AddConfigPath("/etc/tutorchat")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// loadConfig resolves the client configuration and initializes translations.
func loadConfig(v *viper.Viper) (model.ClientConfig, error) {
	cfg := model.ClientConfig{
		Backend:     strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		URL:         v.GetString("url"),
		APIPrefix:   v.GetString("api-prefix"),
		APIKey:      v.GetString("api-key"),
		Timeout:     v.GetDuration("timeout"),
		LLMURL:      v.GetString("llm-url"),
		LLMKey:      v.GetString("llm-key"),
		LLMModel:    v.GetString("llm-model"),
		Context:     v.GetString("context"),
		Lang:        v.GetString("lang"),
		ArchivePath: v.GetString("archive"),
		Stale:       model.StalePolicy(strings.ToLower(v.GetString("stale"))),
		AuthorID:    v.GetString("author"),
	}
	if t := v.GetFloat64("temperature"); t >= 0 {
		cfg.Temperature = &t
	}

	switch cfg.Backend {
	case "http":
		if cfg.URL == "" {
			return cfg, fmt.Errorf("--url is required for the http backend")
		}
	case "openai":
		if cfg.LLMModel == "" {
			return cfg, fmt.Errorf("--llm-model is required for the openai backend")
		}
	default:
		return cfg, fmt.Errorf("unknown backend %q (want http or openai)", cfg.Backend)
	}
	switch cfg.Stale {
	case model.StaleDiscard, model.StaleApply:
	default:
		return cfg, fmt.Errorf("unknown stale policy %q (want discard or apply)", cfg.Stale)
	}
	if cfg.Timeout < 0 {
		return cfg, fmt.Errorf("timeout must not be negative")
	}

	if err := appI18n.Init(cfg.Lang); err != nil {
		return cfg, fmt.Errorf("init i18n: %w", err)
	}
	if !appI18n.Supported(cfg.Lang) {
		slog.Warn("unsupported language, falling back to en", "lang", cfg.Lang)
		cfg.Lang = "en"
		if err := appI18n.Init(cfg.Lang); err != nil {
			return cfg, fmt.Errorf("init i18n: %w", err)
		}
	}
	return cfg, nil
}
