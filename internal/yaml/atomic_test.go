package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testDoc struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Value         string `yaml:"value"`
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")

	doc := testDoc{SchemaVersion: 1, FileType: "heartbeat_state", Value: "first"}
	if err := AtomicWrite(path, doc); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.Contains(string(data), "value: first") {
		t.Errorf("unexpected content: %s", data)
	}

	// No backup on first write; one appears once an original exists.
	if _, err := os.Stat(path + ".bak"); err == nil {
		t.Error("no backup expected on first write")
	}

	doc.Value = "second"
	if err := AtomicWrite(path, doc); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if !strings.Contains(string(bak), "value: first") {
		t.Error("backup should hold the previous content")
	}

	// No temp files may survive.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".vigil-tmp-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestAtomicWriteRaw_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")
	if err := AtomicWriteRaw(path, []byte("key: [unclosed")); err == nil {
		t.Fatal("invalid YAML must be rejected before reaching the target")
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("target must not exist after a rejected write")
	}
}

func TestValidateSchemaHeader(t *testing.T) {
	good := []byte("schema_version: 1\nfile_type: heartbeat_state\n")
	if err := ValidateSchemaHeaderFromBytes(good, "heartbeat_state"); err != nil {
		t.Errorf("valid header rejected: %v", err)
	}

	// Any known file type passes when no expectation is given.
	if err := ValidateSchemaHeaderFromBytes(good, ""); err != nil {
		t.Errorf("wildcard check rejected valid header: %v", err)
	}

	cases := map[string][]byte{
		"wrong type":      []byte("schema_version: 1\nfile_type: store_tasks\n"),
		"unknown type":    []byte("schema_version: 1\nfile_type: mystery\n"),
		"missing version": []byte("file_type: heartbeat_state\n"),
		"future version":  []byte("schema_version: 99\nfile_type: heartbeat_state\n"),
		"not yaml":        []byte("{{{"),
	}
	for name, content := range cases {
		if err := ValidateSchemaHeaderFromBytes(content, "heartbeat_state"); err == nil {
			t.Errorf("%s: expected rejection", name)
		}
	}
}

func TestRecoverCorruptedFile_RestoresBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	doc := testDoc{SchemaVersion: 1, FileType: "heartbeat_state", Value: "good"}
	if err := AtomicWrite(path, doc); err != nil {
		t.Fatal(err)
	}
	doc.Value = "better"
	if err := AtomicWrite(path, doc); err != nil {
		t.Fatal(err)
	}

	// Corrupt the live file; recovery should prefer the .bak copy.
	if err := os.WriteFile(path, []byte("{{{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := RecoverCorruptedFile(dir, path, "heartbeat_state"); err != nil {
		t.Fatalf("recover: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "value: good") {
		t.Errorf("expected backup content, got: %s", data)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	if err != nil || len(entries) != 1 {
		t.Error("corrupt file should land in quarantine")
	}
	if len(entries) == 1 && !strings.HasSuffix(entries[0].Name(), ".corrupt") {
		t.Errorf("quarantine name: %s", entries[0].Name())
	}
}

func TestRecoverCorruptedFile_SkeletonFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reminders.yaml")

	if err := os.WriteFile(path, []byte("{{{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := RecoverCorruptedFile(dir, path, "store_reminders"); err != nil {
		t.Fatalf("recover: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateSchemaHeaderFromBytes(data, "store_reminders"); err != nil {
		t.Errorf("skeleton has invalid header: %v", err)
	}
}
