package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	entry := New().WithComponent("test").WithFields(Fields{"symbol": "BTCUSDT"})
	if v := entry.Data[ComponentKey]; v != "test" {
		t.Fatalf("component field missing: %v", entry.Data)
	}
	if v := entry.Data["symbol"]; v != "BTCUSDT" {
		t.Fatalf("chained field missing: %v", entry.Data)
	}
}

func TestConfigureRejectsInvalidOptions(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	cases := []Options{
		{Level: "loud"},
		{Level: "info", Format: "xml"},
	}
	for _, opts := range cases {
		log := New()
		log.SetLevel(logrus.WarnLevel)
		if err := log.Configure(opts); err == nil {
			t.Fatalf("expected error for %+v", opts)
		}
		if log.GetLevel() != logrus.WarnLevel {
			t.Fatalf("invalid options must leave the logger unchanged, level is %s", log.GetLevel())
		}
	}
}

func TestConfigureLevelFromEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	log := New()
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("New should read LOG_LEVEL, got %s", log.GetLevel())
	}
	if err := log.Configure(Options{Level: "error"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("LOG_LEVEL should override the configured level, got %s", log.GetLevel())
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "logs", "collector.log")
	log := New()
	if err := log.Configure(Options{Level: "debug", Format: "json", Output: path}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	log.WithComponent("file_test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"component":"file_test"`)) {
		t.Fatalf("log line missing component: %s", data)
	}
}

func TestJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := New()
	log.SetOutput(&buf)
	log.WithComponent("json_test").Info("payload")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "file"} {
		if _, ok := line[key]; !ok {
			t.Errorf("missing key %q in %v", key, line)
		}
	}
}

func TestWarnAndErrorAreCounted(t *testing.T) {
	log := New()
	log.SetOutput(io.Discard)

	before := Counts()
	log.WithComponent("counted").Warn("w1")
	log.WithComponent("counted").WithError(io.EOF).Warn("w2")
	log.WithComponent("counted").Error("e1")
	log.WithComponent("counted").Info("not counted")
	log.Warn("no component")

	after := Counts()
	c := after["counted"]
	if c.Warnings != 2 || c.Errors != 1 {
		t.Fatalf("unexpected counts: %+v", c)
	}
	if after[unscoped].Warnings != before[unscoped].Warnings+1 {
		t.Fatalf("expected unscoped warning to be counted: %+v", after[unscoped])
	}
}

func TestFlowLogsAtDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)

	log.WithComponent("writer").Flow("event_queue", "local", 42, "events")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if line["level"] != "debug" || line["source"] != "event_queue" || line["destination"] != "local" {
		t.Fatalf("unexpected flow line: %v", line)
	}
	if line["record_count"].(float64) != 42 {
		t.Fatalf("unexpected record count: %v", line["record_count"])
	}
}
