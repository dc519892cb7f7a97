package main

import (
	"bytes"
	"go/parser"
	"go/token"
	"strings"
	"testing"
)

const sample = `package sample

type Mode string

const (
	ModeVAD Mode = "vad"
	ModePTT Mode = "ptt"
)

type Snapshot struct {
	Mode  Mode     ` + "`json:\"mode\"`" + `
	Turn  TurnID   ` + "`json:\"turn\"`" + `
	Tags  []string ` + "`json:\"tags,omitempty\"`" + `
	Hold  Duration ` + "`json:\"hold\"`" + `
	inner int
}

type SnapshotEvent struct {
	Snapshot
}

type Command struct {
	Name   string ` + "`json:\"name\"`" + `
	Secret string ` + "`json:\"-\"`" + `
	Plain  string
}
`

func TestParseAndWrite(t *testing.T) {
	file, err := parser.ParseFile(token.NewFileSet(), "sample.go", sample, 0)
	if err != nil {
		t.Fatal(err)
	}
	structs := map[string]*structInfo{}
	collectDecls(file, structs)

	snap := structs["Snapshot"]
	resolveFields(snap)
	got := map[string]string{}
	for _, f := range snap.fields {
		got[f.jsonName] = f.tsType
	}
	want := map[string]string{"mode": "'vad' | 'ptt'", "turn": "number", "tags": "string[]", "hold": "string"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["inner"]; ok {
		t.Error("unexported field emitted")
	}

	cmd := structs["Command"]
	resolveFields(cmd)
	var names []string
	for _, f := range cmd.fields {
		names = append(names, f.jsonName)
	}
	if strings.Join(names, ",") != "name,Plain" {
		t.Errorf("command fields = %v", names)
	}

	var buf bytes.Buffer
	writeInterface(&buf, "SnapshotEvent", structs["SnapshotEvent"], "SnapshotEvent")
	if !strings.Contains(buf.String(), "export interface SnapshotEvent extends SessionSnapshot {") {
		t.Errorf("embedded struct not extended:\n%s", buf.String())
	}

	buf.Reset()
	writeInterface(&buf, "SessionSnapshot", snap, "Snapshot")
	out := buf.String()
	if !strings.Contains(out, "  mode: 'vad' | 'ptt'\n") || !strings.Contains(out, "  tags?: string[]\n") {
		t.Errorf("required/optional markers wrong:\n%s", out)
	}
}
