package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ACCESSGATE_CONFIG", "")
	t.Setenv("ACCESSGATE_STORE_DRIVER", "memory")
	root, c := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	if cerr := c.close(context.Background()); cerr != nil {
		t.Fatalf("close: %v", cerr)
	}
	return out.String(), err
}

func TestGenerateJSON(t *testing.T) {
	out, err := execute(t, "generate", "--length", "16", "-o", "json")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var got struct {
		Code     string `json:"code"`
		Strength struct {
			Valid bool   `json:"valid"`
			Label string `json:"label"`
		} `json:"strength"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got.Code) != 16 || !got.Strength.Valid {
		t.Fatalf("unexpected output %+v", got)
	}
}

func TestGenerateCheckTable(t *testing.T) {
	out, err := execute(t, "generate", "--check", "abc")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, "Strength") || !strings.Contains(out, "Problem") {
		t.Fatalf("expected strength table with problems, got %q", out)
	}
}

func TestIssueYAML(t *testing.T) {
	out, err := execute(t, "issue", "-i", "ORG1", "-t", "visitor", "--meta", "room=B2", "-o", "yaml")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	id, _ := got["id"].(string)
	raw, _ := got["raw_code"].(string)
	if id == "" || raw == "" || got["type"] != "visitor" {
		t.Fatalf("unexpected issue output %v", got)
	}
}

func TestIssueRequiresInstitution(t *testing.T) {
	if _, err := execute(t, "issue"); err == nil {
		t.Fatal("expected missing flag error")
	}
}

func TestIssueRejectsBadMetadata(t *testing.T) {
	if _, err := execute(t, "issue", "-i", "ORG1", "--meta", "novalue"); err == nil {
		t.Fatal("expected metadata error")
	}
}

func TestValidateUnknownCodeFails(t *testing.T) {
	out, err := execute(t, "validate", "Unknown7Code", "-i", "ORG1")
	if err == nil || !strings.Contains(err.Error(), "INVALID_CODE") {
		t.Fatalf("expected INVALID_CODE, got %v", err)
	}
	if !strings.Contains(out, "INVALID_CODE") {
		t.Fatalf("expected result row, got %q", out)
	}
}

func TestStatsSummaryAndSweep(t *testing.T) {
	out, err := execute(t, "stats")
	if err != nil || !strings.Contains(out, "Codes") {
		t.Fatalf("stats: %v %q", err, out)
	}
	out, err = execute(t, "sweep", "-o", "json")
	if err != nil || !strings.Contains(out, `"scanned": 0`) {
		t.Fatalf("sweep: %v %q", err, out)
	}
}

func TestRejectsUnknownFormat(t *testing.T) {
	if _, err := execute(t, "stats", "-o", "xml"); err == nil {
		t.Fatal("expected format error")
	}
}

func TestAckUnknownAlert(t *testing.T) {
	if _, err := execute(t, "ack", "01HZXNOPE"); err == nil {
		t.Fatal("expected unknown alert error")
	}
}
