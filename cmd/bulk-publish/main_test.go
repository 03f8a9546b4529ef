package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/cs-bulk-publish/internal/testutil"
	"github.com/Sternrassler/cs-bulk-publish/pkg/config"
	"github.com/Sternrassler/cs-bulk-publish/pkg/work"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvAPIKey, config.EnvManagementToken, config.EnvAuthToken, config.EnvDeliveryToken,
		config.EnvHost, config.EnvDeliveryHost, config.EnvBranch, config.EnvRedisURL, config.EnvLogLevel,
	} {
		t.Setenv(key, "")
	}
}

// writeConfig writes a config pointing both APIs at mock and returns its path.
func writeConfig(t *testing.T, mock *testutil.MockStack, logsDir string) string {
	t.Helper()
	content := fmt.Sprintf(`
stack:
  host: %[1]s
  deliveryHost: %[1]s
  apiKey: blt-api-key
  managementToken: cs-management-token
  deliveryToken: cs-delivery-token
publish:
  environments: [production]
unpublish:
  pollInterval: 1ms
retry:
  baseDelay: 1ms
  rateLimit: 0
logs:
  dir: %[2]s
logging:
  level: error
`, mock.URL(), logsDir)

	path := filepath.Join(t.TempDir(), "bulk.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := newRootCmd(out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPublishAssets(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockStack()
	defer mock.Close()
	mock.AddAssets("", testutil.Entities("blt", 12)...)

	logsDir := t.TempDir()
	out, err := execute(t, "publish-assets", "--config", writeConfig(t, mock, logsDir), "--bulk")
	if err != nil {
		t.Fatalf("publish-assets error = %v", err)
	}

	if !strings.HasPrefix(out, "bulk-publish-assets: 12 succeeded, 0 failed. See success log: ") {
		t.Errorf("output = %q", out)
	}
	if n := len(mock.PublishCalls()); n != 2 {
		t.Errorf("bulk calls = %d, want 2", n)
	}
	logs, _ := filepath.Glob(filepath.Join(logsDir, "bulk-publish-assets_*.success"))
	if len(logs) != 1 {
		t.Errorf("success logs = %v", logs)
	}
}

func TestPublishEntries_FlagsOverrideConfig(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockStack()
	defer mock.Close()
	mock.AddEntries("blog", testutil.Entities("b", 2)...)
	mock.AddEntries("news", testutil.Entities("n", 3)...)

	out, err := execute(t, "publish-entries",
		"--config", writeConfig(t, mock, t.TempDir()),
		"--content-type", "news",
		"--environment", "staging,production",
		"--target-locale", "en-us,de-de",
	)
	if err != nil {
		t.Fatalf("publish-entries error = %v", err)
	}
	if !strings.HasPrefix(out, "publish-entries: 3 succeeded") {
		t.Errorf("output = %q", out)
	}

	for _, c := range mock.PublishCalls() {
		if !strings.HasPrefix(c.Path, "/v3/content_types/news/entries/") {
			t.Errorf("unexpected publish call %s", c.Path)
		}
		body := string(c.Body)
		if !strings.Contains(body, `"staging","production"`) || !strings.Contains(body, `"en-us","de-de"`) {
			t.Errorf("body = %s, want flag targets", body)
		}
	}
}

func TestRetry(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockStack()
	defer mock.Close()
	mock.AddAssets("", testutil.Entities("blt", 3)...)
	mock.FailUID("blt-3")

	logsDir := t.TempDir()
	cfgPath := writeConfig(t, mock, logsDir)

	out, err := execute(t, "publish-assets", "--config", cfgPath)
	if err != nil {
		t.Fatalf("publish-assets error = %v", err)
	}
	if !strings.Contains(out, "2 succeeded, 1 failed. See error log: ") {
		t.Fatalf("output = %q", out)
	}
	errorLog := strings.TrimSpace(out[strings.LastIndex(out, ": ")+2:])

	mock.ClearFailures()
	out, err = execute(t, "retry", "--config", cfgPath, "--log", errorLog)
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if !strings.HasPrefix(out, "publish-assets: 1 succeeded, 0 failed") {
		t.Errorf("retry output = %q", out)
	}
}

func TestRetry_Errors(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockStack()
	defer mock.Close()
	cfgPath := writeConfig(t, mock, t.TempDir())

	if _, err := execute(t, "retry", "--config", cfgPath); err == nil {
		t.Error("retry without --log should fail")
	}

	_, err := execute(t, "retry", "--config", cfgPath, "--log", "republish_20260101T000000Z-1a2b3c4d.error")
	if err == nil || !strings.Contains(err.Error(), "unrecognized log kind") {
		t.Errorf("retry of an unknown log error = %v", err)
	}
	if n := mock.GetRequestCount(); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestUnpublish(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockStack()
	defer mock.Close()
	mock.AddSyncPage(
		testutil.SyncItem{Type: "entry_published", ContentType: "blog", Entity: work.Entity{UID: "e1", Locale: "en-us"}},
		testutil.SyncItem{Type: "asset_published", Entity: work.Entity{UID: "a1", Locale: "en-us"}},
	)

	out, err := execute(t, "unpublish", "--config", writeConfig(t, mock, t.TempDir()),
		"--source-environment", "production", "--bulk")
	if err != nil {
		t.Fatalf("unpublish error = %v", err)
	}
	if !strings.HasPrefix(out, "bulk-unpublish: 2 succeeded") {
		t.Errorf("output = %q", out)
	}

	calls := mock.PublishCalls()
	if len(calls) != 2 {
		t.Fatalf("bulk calls = %d, want 2 (one per kind)", len(calls))
	}
	for _, c := range calls {
		if c.Path != "/v3/bulk/unpublish" {
			t.Errorf("call path = %s", c.Path)
		}
	}
}

func TestUnpublish_OneContentType(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockStack()
	defer mock.Close()

	_, err := execute(t, "unpublish", "--config", writeConfig(t, mock, t.TempDir()),
		"--source-environment", "production", "--content-type", "blog,news")
	if err == nil || !strings.Contains(err.Error(), "at most one content type") {
		t.Errorf("unpublish error = %v", err)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockStack()
	defer mock.Close()

	_, err := execute(t, "publish-assets", "--config", writeConfig(t, mock, t.TempDir()), "--log-level", "trace")
	if err == nil || !strings.Contains(err.Error(), "unknown log level") {
		t.Errorf("error = %v", err)
	}
}

func TestModeFor(t *testing.T) {
	if modeFor(true) != work.ModeBulk || modeFor(false) != work.ModeSingle {
		t.Error("modeFor() mapping is wrong")
	}
}
