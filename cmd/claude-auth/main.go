// Package main is the claude-auth command: it signs the local user in to
// Claude, validates API keys and keeps the stored credential fresh.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/claudeauth/internal/auth/claude"
	"github.com/router-for-me/claudeauth/internal/buildinfo"
	"github.com/router-for-me/claudeauth/internal/cmd"
	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/logging"
	log "github.com/sirupsen/logrus"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		login        bool
		validateKey  bool
		apiKey       string
		status       bool
		logout       bool
		printToken   bool
		keepFresh    bool
		noBrowser    bool
		callbackPort int
		configPath   string
		showVersion  bool
	)
	flag.BoolVar(&login, "login", false, "Sign in to Claude with OAuth")
	flag.BoolVar(&validateKey, "validate-key", false, "Validate an Anthropic API key and remember it")
	flag.StringVar(&apiKey, "api-key", "", "API key for -validate-key (defaults to ANTHROPIC_API_KEY or a prompt)")
	flag.BoolVar(&status, "status", false, "Show the stored credentials")
	flag.BoolVar(&logout, "logout", false, "Remove the stored credentials")
	flag.BoolVar(&printToken, "print-token", false, "Print a valid access token, refreshing it when needed")
	flag.BoolVar(&keepFresh, "keep-fresh", false, "Keep refreshing the stored credential until interrupted")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open the browser automatically during -login")
	flag.IntVar(&callbackPort, "oauth-callback-port", 0, "Override the OAuth callback port")
	flag.StringVar(&configPath, "config", "", "Configuration file path (defaults to ./config.yaml)")
	flag.BoolVar(&showVersion, "version", false, "Print the version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("claude-auth %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return 0
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return 1
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
		log.WithError(errLoad).Warn("failed to load .env file")
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return 1
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return 1
	}
	log.Debugf("claude-auth %s, commit %s, built %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, closeManager, err := cmd.NewManager(ctx, cfg)
	if err != nil {
		log.Errorf("failed to initialize credential manager: %v", err)
		return 1
	}
	defer closeManager()

	if cfg.WatchCredentials || keepFresh {
		w, errWatch := cmd.StartWatcher(ctx, manager, configPath, func(reloaded *config.Config) {
			if errLog := logging.ConfigureLogOutput(reloaded); errLog != nil {
				log.Warnf("failed to apply reloaded log settings: %v", errLog)
			}
		})
		if errWatch != nil {
			log.Warnf("credential watcher disabled: %v", errWatch)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	switch {
	case login:
		port := cfg.Callback.Port
		if callbackPort > 0 {
			port = callbackPort
		}
		_, err = cmd.DoClaudeLogin(ctx, manager, &cmd.LoginOptions{
			NoBrowser:    noBrowser,
			CallbackPort: port,
			Prompt:       cmd.StdinPrompt(),
		})
	case validateKey:
		var key string
		if key, err = cmd.ResolveAPIKey(apiKey, cmd.StdinPrompt()); err == nil {
			err = cmd.DoValidateAPIKey(ctx, manager, key, os.Stdout)
		}
	case status:
		err = cmd.DoStatus(ctx, manager, os.Stdout)
	case logout:
		err = cmd.DoLogout(ctx, manager, os.Stdout)
	case printToken:
		err = cmd.DoPrintToken(ctx, manager, os.Stdout)
	case keepFresh:
		err = cmd.DoKeepFresh(ctx, manager, 5*time.Minute)
	default:
		flag.Usage()
		return 2
	}
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	authErr, ok := claude.AsAuthenticationError(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "claude-auth: %v\n", err)
		return 1
	}
	fmt.Fprintln(os.Stderr, claude.GetUserFriendlyMessage(authErr))
	if errors.Is(err, claude.ErrPortInUse) {
		return claude.ErrPortInUse.Code
	}
	return 1
}
