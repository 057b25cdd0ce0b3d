package logger_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vobizlabs/goDialer/foundation/logger"
)

func TestNew(t *testing.T) {
	log, err := logger.New("TEST")
	if err != nil {
		t.Fatalf("building service logger: %s", err)
	}
	log.Infow("logger: test", "ok", true)
}

func TestNewCampaign(t *testing.T) {
	dir := t.TempDir()

	log, err := logger.NewCampaign(dir, "camp-42")
	if err != nil {
		t.Fatalf("building campaign logger: %s", err)
	}

	log.Infow("dispatcher: campaign: G started", "campaignID", "camp-42")
	log.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "camp-42", "dialer.log"))
	if err != nil {
		t.Fatalf("reading campaign log: %s", err)
	}
	if !strings.Contains(string(data), "camp-42") {
		t.Fatalf("campaign log missing entry: %q", data)
	}
}
