package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/config"
	"github.com/downtoearthtw/proxy-aggregator/internal/netutil"
	"github.com/downtoearthtw/proxy-aggregator/internal/subscription"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&strings.Builder{})
	root.SetErr(&strings.Builder{})
	return root.Execute()
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "serve"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q not registered: %v", name, err)
		}
	}
	for _, item := range flagConfigs {
		if root.PersistentFlags().Lookup(item.name) == nil {
			t.Fatalf("flag --%s not registered", item.name)
		}
	}
}

func TestRunRejectsMissingExplicitConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.json")
	err := execute(t, "run", "--config", missing)
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestRunRequiresEnabledSources(t *testing.T) {
	path := writeConfig(t, `{"sources":[{"name":"a","url":"https://example.com/sub","enabled":false}]}`)
	err := execute(t, "run", "--config", path, "--reputation", "none")
	if err == nil || !strings.Contains(err.Error(), "no enabled sources") {
		t.Fatalf("expected no-sources error, got %v", err)
	}
}

func TestFlagValuesAreValidated(t *testing.T) {
	path := writeConfig(t, `{"sources":[{"url":"https://example.com/sub"}]}`)
	err := execute(t, "run", "--config", path, "--log-format", "xml", "--max-nodes", "0")
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "config validation failed:") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(msg, "log.format") || !strings.Contains(msg, "output.max_nodes") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestSetupLogging(t *testing.T) {
	defer func() {
		logrus.SetLevel(logrus.InfoLevel)
		logrus.SetFormatter(&logrus.TextFormatter{})
	}()

	setupLogging(&config.Config{LogLevel: logrus.DebugLevel, LogFormat: "json"})
	if logrus.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level: got %v", logrus.GetLevel())
	}
	if _, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter: got %T", logrus.StandardLogger().Formatter)
	}
}

func TestNewDownloaderWrapsRetries(t *testing.T) {
	dl := newDownloader(&config.Config{FetchTimeout: time.Second, FetchRetries: 3, UserAgent: "ua"})
	retry, ok := dl.(*netutil.RetryDownloader)
	if !ok {
		t.Fatalf("expected *netutil.RetryDownloader, got %T", dl)
	}
	if retry.Retries != 3 {
		t.Fatalf("retries: got %d", retry.Retries)
	}
}

func TestNewAppOpensHistory(t *testing.T) {
	cfg := &config.Config{
		Sources:            []subscription.Source{{Name: "a", URL: "https://example.com/sub", Enabled: true}},
		ReputationProvider: config.ProviderNone,
		HistoryDBPath:      filepath.Join(t.TempDir(), "history.db"),
		ProbeConcurrency:   4,
		ProbeTimeout:       time.Second,
		MaxNodes:           10,
	}
	a, err := newApp(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	if a.history == nil {
		t.Fatal("expected run history store")
	}
	if a.runner == nil || a.runner.Running() {
		t.Fatal("expected idle runner")
	}
	if a.geoSvc != nil {
		t.Fatal("geoip service should not start for provider none")
	}
}
