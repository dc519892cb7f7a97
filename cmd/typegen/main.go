// Command typegen parses Go struct definitions and generates the TypeScript
// interfaces a UI needs to talk to the observer socket and the control plane.
// Run from the project root:
//
//	go run ./cmd/typegen -out ui/src/types/generated.ts
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
)

type structInfo struct {
	name    string
	fields  []fieldInfo
	extends []string // embedded structs, flattened by encoding/json
}

type fieldInfo struct {
	jsonName string
	goType   string
	optional bool
	tsType   string
}

// typeMapping maps Go type strings to TypeScript type strings.
var typeMapping = map[string]string{
	"string":                 "string",
	"int":                    "number",
	"int64":                  "number",
	"uint64":                 "number",
	"float64":                "number",
	"bool":                   "boolean",
	"any":                    "unknown",
	"interface{}":            "unknown",
	"json.RawMessage":        "unknown",
	"map[string]string":      "Record<string, string>",
	"map[string]interface{}": "Record<string, unknown>",
	// Settings durations are written as "250ms" strings; time.Time as RFC 3339.
	"Duration":      "string",
	"time.Time":     "string",
	"time.Duration": "number",
	// AudioRoute is an int enum: 0 default, 1 speaker.
	"core.AudioRoute": "0 | 1",
	"AudioRoute":      "0 | 1",
	// TurnID is a counter.
	"TurnID": "number",
}

// typeAliases maps named types to their underlying primitive. Populated while
// parsing `type X <primitive>` declarations.
var typeAliases = map[string]string{}

// constValues maps a named string type to its declared values, emitted as a
// union. Populated from const blocks.
var constValues = map[string][]string{}

// requiredFields keeps fields required in the output. Everything else is
// optional since settings files only carry overrides.
var requiredFields = map[string]map[string]bool{
	"Snapshot":         {"connection": true, "mode": true, "mic": true, "turn": true, "muted": true, "items": true},
	"ConnectionState":  {"phase": true},
	"Item":             {"id": true, "role": true, "text": true, "seq": true},
	"TranscriptEvent":  {"item_id": true, "role": true, "text": true},
	"Command":          {"name": true},
	"WireEvent":        {"id": true, "payload": true},
	"LogEntry":         {"ts": true, "level": true, "msg": true},
	"HeartbeatPayload": {"agent_id": true, "timestamp": true, "connection": true},
}

// structsToGenerate lists the Go struct names to include, in output order.
// A "dir:Name" key picks one of several same-named structs.
var structsToGenerate = []string{
	// Settings file
	"SettingsConfig",
	"SessionAPIConfig",
	"TokenSettings",
	"SignalingSettings",
	"WebRTCSettings",
	"ICEServer",
	"TurnSettings",
	"services/fileaudio:Config",
	"ConversationSettings",
	"RedisSettings",
	"ControlPlaneSettings",
	"ObserverSettings",
	"MetricsSettings",
	"LoggingSettings",
	// Session config pushed with session.update
	"SessionConfig",
	"Languages",
	"TurnDetectionConfig",
	// Observer wire types
	"WireEvent",
	"Snapshot",
	"ConnectionState",
	"Item",
	"SnapshotEvent",
	"TranscriptEvent",
	"Command",
	"CommandEvent",
	"ConfigEvent",
	// Control plane payloads
	"HeartbeatPayload",
	"AckPayload",
	"CommandPayload",
	"LogEntry",
}

// tsRenames maps Go struct names to preferred TypeScript interface names.
var tsRenames = map[string]string{
	"SettingsConfig":            "Settings",
	"SessionAPIConfig":          "SessionApiConfig",
	"WebRTCSettings":            "WebRtcSettings",
	"ICEServer":                 "IceServer",
	"services/fileaudio:Config": "AudioSettings",
	"Snapshot":                  "SessionSnapshot",
	"Item":                      "TranscriptItem",
}

// goTypeToTSRef maps a Go struct name to its TS name.
var goTypeToTSRef = map[string]string{}

func init() {
	for _, name := range structsToGenerate {
		goTypeToTSRef[name] = tsName(name)
		if idx := strings.LastIndex(name, ":"); idx >= 0 {
			goTypeToTSRef[name[idx+1:]] = tsName(name)
		}
	}
}

func tsName(goName string) string {
	if rename, ok := tsRenames[goName]; ok {
		return rename
	}
	return goName
}

func main() {
	outPath := flag.String("out", "ui/src/types/generated.ts", "output TypeScript file path")
	flag.Parse()

	root, err := os.Getwd()
	if err != nil {
		fatal("getwd: %v", err)
	}

	dirs, err := discoverGoDirs(root)
	if err != nil {
		fatal("discover dirs: %v", err)
	}

	// Structs are stored under "Name" (first wins) and "rel/dir:Name".
	allStructs := map[string]*structInfo{}
	for _, dir := range dirs {
		structs, err := parseDir(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", dir, err)
			continue
		}
		relDir, _ := filepath.Rel(root, dir)
		for name, si := range structs {
			allStructs[filepath.ToSlash(relDir)+":"+name] = si
			if _, exists := allStructs[name]; !exists {
				allStructs[name] = si
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString("// Code generated by cmd/typegen; DO NOT EDIT.\n")
	buf.WriteString("//\n")
	buf.WriteString("// Regenerate: go run ./cmd/typegen -out ui/src/types/generated.ts\n\n")

	for _, goName := range structsToGenerate {
		si, ok := allStructs[goName]
		if !ok {
			fmt.Fprintf(os.Stderr, "warning: struct %q not found, skipping\n", goName)
			continue
		}
		resolveFields(si)
		writeInterface(&buf, tsName(goName), si, goName)
	}
	writeEventUnions(&buf)

	absOut := *outPath
	if !filepath.IsAbs(absOut) {
		absOut = filepath.Join(root, absOut)
	}
	if err := os.MkdirAll(filepath.Dir(absOut), 0o755); err != nil {
		fatal("mkdir: %v", err)
	}
	if err := os.WriteFile(absOut, buf.Bytes(), 0o644); err != nil {
		fatal("write: %v", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", absOut, buf.Len())
}

// discoverGoDirs returns every directory holding non-test .go files. Hidden
// and underscore directories are skipped, like the go tool does.
func discoverGoDirs(root string) ([]string, error) {
	skipDirs := map[string]bool{
		"vendor":       true,
		"node_modules": true,
		"typegen":      true,
	}

	seen := map[string]bool{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			name := info.Name()
			if path != root && (skipDirs[name] || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(info.Name(), ".go") && !strings.HasSuffix(info.Name(), "_test.go") {
			seen[filepath.Dir(path)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func parseDir(dir string) (map[string]*structInfo, error) {
	fset := token.NewFileSet()
	pkgs, err := parser.ParseDir(fset, dir, func(fi os.FileInfo) bool {
		return !strings.HasSuffix(fi.Name(), "_test.go")
	}, 0)
	if err != nil {
		return nil, err
	}

	result := map[string]*structInfo{}
	for _, pkg := range pkgs {
		for _, file := range pkg.Files {
			collectDecls(file, result)
		}
	}
	return result, nil
}

func collectDecls(file *ast.File, into map[string]*structInfo) {
	for _, decl := range file.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok {
			continue
		}

		switch genDecl.Tok {
		case token.TYPE:
			for _, spec := range genDecl.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				if ident, ok := ts.Type.(*ast.Ident); ok {
					typeAliases[ts.Name.Name] = ident.Name
					continue
				}
				if st, ok := ts.Type.(*ast.StructType); ok {
					into[ts.Name.Name] = parseStruct(ts.Name.Name, st)
				}
			}

		case token.CONST:
			// Only explicitly typed string consts, e.g. `ModePTT Mode = "ptt"`.
			for _, spec := range genDecl.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok || vs.Type == nil || len(vs.Values) == 0 {
					continue
				}
				typeName := typeExprToString(vs.Type)
				for _, val := range vs.Values {
					lit, ok := val.(*ast.BasicLit)
					if !ok || lit.Kind != token.STRING {
						continue
					}
					constValues[typeName] = append(constValues[typeName], strings.Trim(lit.Value, "\""))
				}
			}
		}
	}
}

// parseStruct extracts the JSON-visible fields. Untagged exported fields keep
// their Go name, matching encoding/json.
func parseStruct(name string, st *ast.StructType) *structInfo {
	si := &structInfo{name: name}
	for _, field := range st.Fields.List {
		var tag reflect.StructTag
		if field.Tag != nil {
			tag = reflect.StructTag(strings.Trim(field.Tag.Value, "`"))
		}
		jsonTag := tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		parts := strings.Split(jsonTag, ",")

		if len(field.Names) == 0 {
			if parts[0] == "" {
				si.extends = append(si.extends, strings.TrimPrefix(typeExprToString(field.Type), "*"))
				continue
			}
			field.Names = []*ast.Ident{ast.NewIdent(parts[0])}
		}

		goType := typeExprToString(field.Type)
		_, isPointer := field.Type.(*ast.StarExpr)
		omitempty := false
		for _, p := range parts[1:] {
			if p == "omitempty" {
				omitempty = true
			}
		}

		for _, ident := range field.Names {
			if !ident.IsExported() && parts[0] == "" {
				continue
			}
			jsonName := parts[0]
			if jsonName == "" {
				jsonName = ident.Name
			}
			si.fields = append(si.fields, fieldInfo{
				jsonName: jsonName,
				goType:   goType,
				optional: omitempty || isPointer,
			})
		}
	}
	return si
}

// resolveFields runs after every directory is parsed so const unions and
// aliases from other packages are known.
func resolveFields(si *structInfo) {
	for i := range si.fields {
		si.fields[i].tsType = resolveType(si.fields[i].goType)
	}
}

func typeExprToString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeExprToString(t.X)
	case *ast.ArrayType:
		return "[]" + typeExprToString(t.Elt)
	case *ast.MapType:
		return "map[" + typeExprToString(t.Key) + "]" + typeExprToString(t.Value)
	case *ast.SelectorExpr:
		return typeExprToString(t.X) + "." + t.Sel.Name
	case *ast.InterfaceType:
		return "interface{}"
	default:
		return "unknown"
	}
}

func resolveType(goType string) string {
	clean := strings.TrimPrefix(goType, "*")

	if ts, ok := typeMapping[clean]; ok {
		return ts
	}
	if strings.HasPrefix(clean, "[]") {
		inner := resolveType(clean[2:])
		if strings.Contains(inner, "|") {
			return "(" + inner + ")[]"
		}
		return inner + "[]"
	}
	if strings.HasPrefix(clean, "map[") {
		return "Record<string, unknown>"
	}

	short := clean
	if idx := strings.LastIndex(clean, "."); idx >= 0 {
		short = clean[idx+1:]
	}
	if ts, ok := typeMapping[short]; ok {
		return ts
	}
	if tsRef, ok := goTypeToTSRef[short]; ok {
		return tsRef
	}
	if vals, ok := constValues[short]; ok && len(vals) > 0 {
		return buildUnionLiteral(vals)
	}
	if underlying, ok := typeAliases[short]; ok && underlying != short {
		return resolveType(underlying)
	}
	return "unknown"
}

// buildUnionLiteral returns a TS inline union type from string values.
// e.g. ["vad", "ptt"] -> "'vad' | 'ptt'"
func buildUnionLiteral(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, " | ")
}

func writeInterface(buf *bytes.Buffer, name string, si *structInfo, goName string) {
	reqFields := requiredFields[si.name]

	var extends []string
	for _, e := range si.extends {
		short := e
		if idx := strings.LastIndex(e, "."); idx >= 0 {
			short = e[idx+1:]
		}
		if ref, ok := goTypeToTSRef[short]; ok {
			extends = append(extends, ref)
		}
	}

	fmt.Fprintf(buf, "/** Generated from Go struct: %s */\n", goName)
	if len(extends) > 0 {
		fmt.Fprintf(buf, "export interface %s extends %s {\n", name, strings.Join(extends, ", "))
	} else {
		fmt.Fprintf(buf, "export interface %s {\n", name)
	}
	for _, f := range si.fields {
		opt := "?"
		// Wire structs always carry their non-omitempty fields.
		if reqFields[f.jsonName] || (reqFields != nil && !f.optional) {
			opt = ""
		}
		fmt.Fprintf(buf, "  %s%s: %s\n", f.jsonName, opt, f.tsType)
	}
	fmt.Fprintf(buf, "}\n\n")
}

// writeEventUnions adds the observer socket envelopes keyed by event id.
func writeEventUnions(buf *bytes.Buffer) {
	buf.WriteString(`// --- Observer socket envelopes (ids from events/session) ---

export type ObserverOutput =
  | { id: 'session.snapshot'; payload: SnapshotEvent }
  | { id: 'session.transcript'; payload: TranscriptEvent }

export type ObserverInput =
  | { id: 'session.command'; payload: CommandEvent }
  | { id: 'session.config'; payload: ConfigEvent }
`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "typegen: "+format+"\n", args...)
	os.Exit(1)
}
