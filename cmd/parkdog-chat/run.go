package main

import (
	"context"
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

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"parkdog.im/internal/chat"
	"parkdog.im/internal/config"
	"parkdog.im/internal/connection"
	"parkdog.im/internal/health"
	"parkdog.im/internal/httpapi"
	"parkdog.im/internal/logging"
	"parkdog.im/internal/metrics"
	"parkdog.im/internal/repl"
	"parkdog.im/internal/store"
	"parkdog.im/internal/token"
	"parkdog.im/internal/transport"
)

var (
	flagUser    string
	flagSession string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive chat session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if flagUser != "" {
			cfg.Session.UserID = flagUser
		}
		if flagSession != "" {
			cfg.Session.SessionToken = flagSession
		}
		if cfg.Session.UserID == "" || cfg.Session.SessionToken == "" {
			return errors.New("session user_id and session_token are required (--user/--session or PARKDOG_USER_ID/PARKDOG_SESSION_TOKEN)")
		}
		return run(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVarP(&flagUser, "user", "u", "", "user id")
	runCmd.Flags().StringVarP(&flagSession, "session", "s", "", "session token")
}

func run(parent context.Context, cfg *config.Config, out io.Writer) error {
	// 初始化日志，控制台输出给 REPL 使用，日志写 stderr 或文件
	logger, logCloser, err := logging.New(cfg.App, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := token.StaticSession(cfg.Session.SessionToken)
	api := httpapi.NewClient(cfg.API.BaseURL, cfg.API.RequestTimeout, session, logger)
	tokens := token.NewProvider(session, api, token.Options{
		MaxAttempts:   cfg.Token.MaxAttempts,
		RetryDelay:    cfg.Token.RetryDelay,
		RefreshMargin: cfg.Token.RefreshMargin,
	}, logger)

	var dialer transport.Dialer = transport.NewWebSocketDialer(cfg.Realtime.WriteTimeout, cfg.Realtime.InsecureSkipVerify)
	if cfg.Realtime.Transport == "webtransport" {
		dialer = transport.NewWebTransportDialer(cfg.Realtime.InsecureSkipVerify)
	}

	mgr := connection.NewManager(connection.Options{
		URL:               cfg.Realtime.URL,
		Backoff:           connection.Backoff(cfg.Realtime.Backoff),
		MaxAttempts:       cfg.Realtime.MaxReconnectAttempts,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		IdleTimeout:       cfg.Realtime.IdleTimeout,
	}, dialer, tokens, logger)
	defer mgr.Close()

	cache, err := store.NewHistoryCache(cfg.Cache)
	if err != nil {
		return err
	}

	m := metrics.New()
	client := chat.New(chat.Options{
		UserID:          cfg.Session.UserID,
		AckTimeout:      cfg.Realtime.AckTimeout,
		ProbeInterval:   cfg.Fallback.ProbeInterval,
		DedupWindow:     cfg.Fallback.DedupWindow,
		FreshnessWindow: cfg.Fallback.FreshnessWindow,
		OutboxCapacity:  cfg.Fallback.OutboxCapacity,
		TypingThrottle:  cfg.Typing.Throttle,
		TypingQuiet:     cfg.Typing.QuietPeriod,
	}, mgr, api, cache, m, logger)
	defer client.Close()

	// 启动健康检查 HTTP 服务
	if cfg.Health.Addr != "" {
		healthServer := health.NewServer(cfg.Health.Addr, health.NewChecker(cfg.App.Name, client), m.Handler(), logger)
		go func() {
			logger.Info("Health check server started", "addr", cfg.Health.Addr)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Health check server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			healthServer.Shutdown(shutdownCtx)
		}()
	}

	sess := repl.New(client, cfg.Session.UserID, out)
	client.Subscribe(sess.HandleEvent)

	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Info("Chat client started", "user_id", cfg.Session.UserID, "transport", cfg.Realtime.Transport)

	return loop(ctx, sess, out)
}

// loop 读取用户输入直到退出或收到信号
func loop(ctx context.Context, s *repl.Session, out io.Writer) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Fprintln(out, "type /help for commands")

	inputs := make(chan string)
	next := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		for {
			prompt := "> "
			if conv := s.Current(); conv != "" {
				prompt = conv + "> "
			}
			text, err := line.Prompt(prompt)
			if err != nil {
				errs <- err
				return
			}
			if strings.TrimSpace(text) != "" {
				line.AppendHistory(text)
			}
			inputs <- text
			<-next
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return err
		case text := <-inputs:
			quit, err := s.Execute(ctx, text)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
			next <- struct{}{}
		}
	}
}
