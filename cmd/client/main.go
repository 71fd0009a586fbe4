package main

import (
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloudzz-dev/cldzchat/internal/client/api"
	"github.com/cloudzz-dev/cldzchat/internal/client/config"
	"github.com/cloudzz-dev/cldzchat/internal/client/conn"
	"github.com/cloudzz-dev/cldzchat/internal/client/debug"
	"github.com/cloudzz-dev/cldzchat/internal/client/loop"
	"github.com/cloudzz-dev/cldzchat/internal/client/profile"
	"github.com/cloudzz-dev/cldzchat/internal/client/session"
)

var (
	configPath  string
	envFile     string
	profileName string
	serverURL   string
	token       string
	debugMode   bool
)

var rootCmd = &cobra.Command{
	Use:   "cldzchat",
	Short: "Terminal chat client",
	Long: `cldzchat keeps a local copy of your direct chats and channels in sync
with the server over a live connection, falling back to polling while the
connection is down.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load")
	rootCmd.Flags().StringVar(&profileName, "profile", "", "saved profile to use")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "server address (http or https)")
	rootCmd.Flags().StringVar(&token, "token", "", "session credential")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "write a debug log")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("profile") {
		cfg.Profile = profileName
	}
	if flags.Changed("server") {
		cfg.Server = serverURL
	}
	if flags.Changed("token") {
		cfg.Token = token
	}
	if flags.Changed("debug") {
		cfg.Debug = debugMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := debug.NewLogger(cfg.Debug, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to open debug log: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	credential, err := resolveCredential(cfg, logger)
	if err != nil {
		return err
	}

	client, err := api.New(cfg.Server, cfg.Timing.HTTPTimeout, logger.Named("api"))
	if err != nil {
		return err
	}
	defer client.Close()

	lp := loop.New(logger)
	go lp.Run()
	defer lp.Close()

	sess := session.New(lp, client, conn.WSDialer{URL: client.LiveURL}, cfg.Session(), logger.Named("session"))
	sess.Start(credential)

	final, err := tea.NewProgram(newModel(sess, sess.Updates()), tea.WithAltScreen()).Run()
	sess.Stop()
	settle(lp)
	if err != nil {
		return err
	}

	if m, ok := final.(model); ok && m.loggedOut {
		if err := profile.Clear(cfg.Profile); err != nil {
			logger.Warn("failed to clear profile", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, m.farewell())
	}
	return nil
}

// resolveCredential prefers an explicit token and falls back to the saved
// profile for the same server. The credential in use is saved for next time.
func resolveCredential(cfg *config.Config, logger *zap.Logger) (string, error) {
	credential := cfg.Token
	if credential == "" {
		p, err := profile.Load(cfg.Profile)
		switch {
		case errors.Is(err, profile.ErrNoProfile):
		case err != nil:
			logger.Warn("failed to load profile", zap.String("profile", cfg.Profile), zap.Error(err))
		case p.ServerURL == cfg.Server:
			credential = p.Credential
		}
	}
	if credential == "" {
		return "", errors.New("no credential: pass --token or set CLDZCHAT_TOKEN")
	}
	if err := profile.Save(cfg.Profile, profile.Profile{ServerURL: cfg.Server, Credential: credential}); err != nil {
		logger.Warn("failed to save profile", zap.Error(err))
	}
	return credential, nil
}

// settle waits until everything queued on the loop so far has run, so the
// logout posted by Stop closes the live channel before the loop goes away.
func settle(lp *loop.Loop) {
	done := make(chan struct{})
	if lp.Post(func() { close(done) }) {
		<-done
	}
}
