package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/msageha/heimdall/internal/model"
	yamlutil "github.com/msageha/heimdall/internal/yaml"
	"github.com/msageha/heimdall/templates"
)

// Output categories. In dry-run each one is a subdirectory of the preview dir.
const (
	outRoutes     = "routes"
	outModels     = "models"
	outMigrations = "migrations"
)

var loadTemplates = sync.OnceValues(func() (*template.Template, error) {
	return template.ParseFS(templates.FS, "scaffold/*.tmpl")
})

func render(name string, data any) ([]byte, error) {
	tpl, err := loadTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func renderGo(name string, data any) ([]byte, error) {
	src, err := render(name, data)
	if err != nil {
		return nil, err
	}
	out, err := format.Source(src)
	if err != nil {
		return nil, fmt.Errorf("format %s: %w", name, err)
	}
	return out, nil
}

// outputDir resolves where a category is written: the real generate dir, or
// its preview counterpart in dry-run.
func (d *Dispatcher) outputDir(category string) string {
	if d.cfg.DryRun {
		return filepath.Join(d.cfg.Generate.PreviewDir, category)
	}
	switch category {
	case outModels:
		return d.cfg.Generate.ModelsDir
	case outMigrations:
		return d.cfg.Generate.MigrationsDir
	}
	return d.cfg.Generate.RoutesDir
}

func (d *Dispatcher) writeOutput(category, file string, content []byte) (string, error) {
	dir := d.outputDir(category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, file)
	err := d.outputs.Do(path, func() error {
		return yamlutil.AtomicWriteText(path, content)
	})
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

type routeData struct {
	Export   string
	Handler  string
	Method   string
	Pattern  string
	Tag      string
	Response string
}

func (d *Dispatcher) scaffoldRoute(t *model.RouteTask) (Outcome, error) {
	name := safeName(t.Name, "route")
	export := exportName(name)
	response := t.Response
	if response == nil {
		response = map[string]any{"ok": true}
	}
	body, err := json.Marshal(jsonable(response))
	if err != nil {
		return Outcome{}, fmt.Errorf("encode response: %w", err)
	}
	method := strings.ToUpper(t.Method)
	if method == "" {
		method = "GET"
	}
	data := routeData{
		Export:   export,
		Handler:  "handle" + export,
		Method:   method,
		Pattern:  joinPattern(t.Prefix, t.Path),
		Tag:      t.Tag,
		Response: string(body),
	}
	code, err := renderGo("route.go.tmpl", data)
	if err != nil {
		return Outcome{}, err
	}
	path, err := d.writeOutput(outRoutes, name+".go", code)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Written: []string{path}}, nil
}

type modelField struct {
	Name    string
	GoName  string
	GoType  string
	Comment string
}

type fieldDefault struct {
	GoName  string
	Literal string
}

type modelData struct {
	Class    string
	Table    string
	Imports  []string
	Fields   []modelField
	Defaults []fieldDefault
}

type migrationData struct {
	Table      string
	Statements []string
}

func (d *Dispatcher) scaffoldModel(t *model.ModelTask) (Outcome, error) {
	name := safeName(t.Name, "model")
	table := t.Table
	if table == "" {
		table = name
	}

	data := modelData{Class: exportName(name), Table: table}
	var statements []string
	for _, col := range t.Columns {
		goType := modelGoType(col.Type, col.NotNull)
		f := modelField{Name: safeName(col.Name, "column"), GoName: exportName(col.Name), GoType: goType}
		if col.Default != nil {
			f.Comment = "default " + formatDefaultSQL(col.Default)
			if lit, ok := goLiteral(col.Default, goType); ok {
				data.Defaults = append(data.Defaults, fieldDefault{GoName: f.GoName, Literal: lit})
			}
		}
		data.Fields = append(data.Fields, f)
		statements = append(statements, columnStatements(table, col)...)
	}
	data.Imports = importsFor(data.Fields)

	code, err := renderGo("model.go.tmpl", data)
	if err != nil {
		return Outcome{}, err
	}
	sql, err := render("migration.sql.tmpl", migrationData{Table: table, Statements: statements})
	if err != nil {
		return Outcome{}, err
	}

	modelPath, err := d.writeOutput(outModels, name+".go", code)
	if err != nil {
		return Outcome{}, err
	}
	migPath, err := d.writeOutput(outMigrations, name+".sql", sql)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Written: []string{modelPath, migPath}}, nil
}

// columnStatements emits the additive DDL for one column. A primary key is
// added in a guarded block so re-running the migration is a no-op.
func columnStatements(table string, col model.Column) []string {
	colType := col.Type
	if colType == "" {
		colType = "text"
	}
	parts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, col.Name, colType)}
	if col.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if col.Default != nil {
		parts = append(parts, "DEFAULT "+formatDefaultSQL(col.Default))
	}
	out := []string{strings.Join(parts, " ") + ";"}
	if col.PrimaryKey {
		out = append(out, fmt.Sprintf(
			"DO $$ BEGIN IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = '%[1]s_pkey') THEN "+
				"ALTER TABLE %[1]s ADD CONSTRAINT %[1]s_pkey PRIMARY KEY (%[2]s); END IF; END $$;",
			table, col.Name))
	}
	return out
}

type crudData struct {
	Resource    string
	Export      string
	CreateClass string
	ItemClass   string
	Store       string
	Handler     string
	Prefix      string
	Tag         string
	Table       string
	Imports     []string
	Fields      []modelField

	SelectSQL string
	InsertSQL string
	UpdateSQL string
	DeleteSQL string
}

func (d *Dispatcher) scaffoldCrud(t *model.CrudTask) (Outcome, error) {
	resource := safeName(t.ResourceName(), "item")
	export := exportName(resource)
	storage, ok := model.NormalizeStorage(t.Storage)
	if !ok {
		return Outcome{}, fmt.Errorf("unknown storage %q", t.Storage)
	}

	data := crudData{
		Resource:    resource,
		Export:      export,
		CreateClass: export + "Create",
		ItemClass:   export + "Item",
		Store:       lowerFirst(export) + "Store",
		Handler:     "query" + export,
		Prefix:      t.Prefix,
		Tag:         t.Tag,
		Table:       t.Table,
	}
	if data.Prefix == "" {
		data.Prefix = "/" + resource + "s"
	}
	data.Prefix = joinPattern("", data.Prefix)
	if data.Tag == "" {
		data.Tag = export + " CRUD"
	}
	if data.Table == "" {
		data.Table = resource + "s"
	}
	for _, f := range t.Fields {
		name := safeName(f.Name, "field")
		if strings.EqualFold(name, "id") {
			continue
		}
		data.Fields = append(data.Fields, modelField{Name: name, GoName: exportName(name), GoType: crudGoType(f.Type)})
	}
	data.Imports = importsFor(data.Fields)

	tmpl, file := "crud_memory.go.tmpl", resource+"_crud.go"
	if storage == model.StoragePersistent {
		tmpl, file = "crud_db.go.tmpl", resource+"_crud_db.go"
		data.SelectSQL, data.InsertSQL, data.UpdateSQL, data.DeleteSQL = crudSQL(data.Table, data.Fields)
	}
	code, err := renderGo(tmpl, data)
	if err != nil {
		return Outcome{}, err
	}
	path, err := d.writeOutput(outRoutes, file, code)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Written: []string{path}}, nil
}

func crudSQL(table string, fields []modelField) (sel, ins, upd, del string) {
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	sets := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
		marks[i] = fmt.Sprintf("$%d", i+1)
		sets[i] = fmt.Sprintf("%s = $%d", f.Name, i+2)
	}
	sel = fmt.Sprintf("SELECT %s FROM %s", strings.Join(append([]string{"id"}, cols...), ", "), table)
	del = fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
	if len(fields) == 0 {
		ins = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING id", table)
		upd = fmt.Sprintf("UPDATE %s SET id = id WHERE id = $1", table)
		return
	}
	ins = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id", table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	upd = fmt.Sprintf("UPDATE %s SET %s WHERE id = $1", table, strings.Join(sets, ", "))
	return
}

var goTypes = map[string]string{
	"bigserial":   "int64",
	"bigint":      "int64",
	"serial":      "int64",
	"integer":     "int",
	"int":         "int",
	"smallint":    "int",
	"text":        "string",
	"string":      "string",
	"varchar":     "string",
	"bool":        "bool",
	"boolean":     "bool",
	"numeric":     "float64",
	"decimal":     "float64",
	"float":       "float64",
	"double":      "float64",
	"timestamp":   "time.Time",
	"timestamptz": "time.Time",
	"datetime":    "time.Time",
	"date":        "time.Time",
	"jsonb":       "map[string]any",
	"json":        "map[string]any",
	"dict":        "map[string]any",
	"list":        "[]any",
	"array":       "[]any",
}

// baseGoType maps a column type such as "varchar(64)" onto a Go type.
func baseGoType(colType string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(colType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	g, ok := goTypes[t]
	return g, ok
}

// modelGoType makes nullable scalar columns pointers. Unknown types are any.
func modelGoType(colType string, notNull bool) string {
	g, ok := baseGoType(colType)
	if !ok {
		return "any"
	}
	if !notNull && !strings.HasPrefix(g, "map[") && !strings.HasPrefix(g, "[]") {
		return "*" + g
	}
	return g
}

// crudGoType treats unknown field types as strings.
func crudGoType(colType string) string {
	if g, ok := baseGoType(colType); ok {
		return g
	}
	return "string"
}

func importsFor(fields []modelField) []string {
	for _, f := range fields {
		if strings.Contains(f.GoType, "time.") {
			return []string{"time"}
		}
	}
	return nil
}

func isSQLFunction(s string) bool {
	low := strings.ToLower(s)
	return low == "current_timestamp" || strings.HasSuffix(low, "()")
}

// formatDefaultSQL quotes string defaults unless they are SQL keywords or
// function calls.
func formatDefaultSQL(v any) string {
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	low := strings.ToLower(s)
	if isSQLFunction(s) || low == "true" || low == "false" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// goLiteral renders a column default as a Go literal for goType. Defaults
// computed by the database have no literal.
func goLiteral(v any, goType string) (string, bool) {
	switch val := v.(type) {
	case bool:
		if goType == "bool" {
			return strconv.FormatBool(val), true
		}
	case int:
		return numericLiteral(strconv.Itoa(val), goType)
	case int64:
		return numericLiteral(strconv.FormatInt(val, 10), goType)
	case float64:
		return numericLiteral(strconv.FormatFloat(val, 'g', -1, 64), goType)
	case string:
		if isSQLFunction(val) {
			return "", false
		}
		switch goType {
		case "string":
			return strconv.Quote(val), true
		case "bool":
			if b, err := strconv.ParseBool(val); err == nil {
				return strconv.FormatBool(b), true
			}
		default:
			return numericLiteral(val, goType)
		}
	}
	return "", false
}

func numericLiteral(s, goType string) (string, bool) {
	switch goType {
	case "float64":
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return s, true
		}
	case "int", "int64":
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return s, true
		}
	}
	return "", false
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// safeName maps a task-supplied name onto a file and identifier stem.
func safeName(name, fallback string) string {
	s := strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_"), "_")
	if s == "" {
		return fallback
	}
	return s
}

var initialisms = map[string]string{
	"api":  "API",
	"http": "HTTP",
	"id":   "ID",
	"json": "JSON",
	"sql":  "SQL",
	"url":  "URL",
	"uuid": "UUID",
}

// exportName turns snake_case or kebab-case into an exported identifier.
func exportName(s string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return !isAlnum(r) }) {
		if up, ok := initialisms[strings.ToLower(part)]; ok {
			b.WriteString(up)
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	out := b.String()
	if out == "" || ('0' <= out[0] && out[0] <= '9') {
		out = "X" + out
	}
	return out
}

func isAlnum(r rune) bool {
	return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func joinPattern(prefix, path string) string {
	p := strings.TrimRight(prefix, "/") + path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// jsonable converts decoded YAML values into types encoding/json accepts.
func jsonable(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = jsonable(x)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[fmt.Sprint(k)] = jsonable(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = jsonable(x)
		}
		return out
	}
	return v
}
