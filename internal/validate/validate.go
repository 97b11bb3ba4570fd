// Package validate checks task documents against the per-type schemas and
// resolves valid documents into a typed model.Task.
//
// Validation is pure. Unknown top-level keys are warnings, never errors.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/heimdall/internal/cronexpr"
	"github.com/msageha/heimdall/internal/model"
)

var allowedMethods = []string{"DELETE", "GET", "HEAD", "OPTIONS", "PATCH", "POST", "PUT"}

var allowedKeys = map[model.TaskType][]string{
	model.TaskScaffoldRoute: {"type", "name", "method", "path", "prefix", "tag", "response"},
	model.TaskScaffoldModel: {"type", "name", "table", "columns"},
	model.TaskScaffoldCrud:  {"type", "resource", "name", "storage", "table", "prefix", "tag", "fields"},
	model.TaskRunMigration:  {"type", "file"},
	model.TaskBundle:        {"type", "tasks"},
	model.TaskSpec:          {"type", "name", "resource", "storage", "table", "fields", "routes"},
	model.TaskJob: {
		"type", "name", "shell", "script", "interpreter", "python",
		"cwd", "timeout", "env", "artifacts", "notify",
	},
	model.TaskSchedule: {"type", "name", "action", "cron", "timezone", "task"},
}

// ErrNotMapping is returned for documents whose top level is not an object.
var ErrNotMapping = errors.New("task must be a mapping/object")

type Result struct {
	OK       bool    `json:"ok"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`

	// Task is the resolved variant, set only when OK.
	Task *model.Task `json:"-"`
}

// Validate checks doc and, when it is valid, resolves it into a typed task.
func Validate(doc map[string]any) Result {
	errs, warns := check(doc)
	res := Result{Errors: errs, Warnings: warns}
	if len(res.Errors) == 0 {
		task, err := resolve(doc)
		if err != nil {
			res.Errors = append(res.Errors, Issue{Field: fmt.Sprint(doc["type"]), Message: err.Error()})
		} else {
			res.Task = task
		}
	}
	res.OK = len(res.Errors) == 0
	if res.Errors == nil {
		res.Errors = []Issue{}
	}
	if res.Warnings == nil {
		res.Warnings = []Issue{}
	}
	return res
}

type LintResult struct {
	OK         bool           `json:"ok"`
	Errors     []Issue        `json:"errors"`
	Warnings   []Issue        `json:"warnings"`
	Normalized map[string]any `json:"normalized,omitempty"`

	Task *model.Task `json:"-"`
}

// Lint parses raw YAML or JSON text and validates the resulting document.
func Lint(raw []byte) LintResult {
	doc, err := Decode(raw)
	if err != nil {
		return LintResult{Errors: []Issue{{Message: err.Error()}}, Warnings: []Issue{}}
	}
	res := Validate(doc)
	return LintResult{
		OK:         res.OK,
		Errors:     res.Errors,
		Warnings:   res.Warnings,
		Normalized: doc,
		Task:       res.Task,
	}
}

// Decode parses a task document. Empty input decodes to an empty mapping.
func Decode(raw []byte) (map[string]any, error) {
	var data any
	if err := yamlv3.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("yaml parse error: %w", err)
	}
	if data == nil {
		return map[string]any{}, nil
	}
	doc, ok := asMap(data)
	if !ok {
		return nil, ErrNotMapping
	}
	return doc, nil
}

func check(doc map[string]any) (issues, issues) {
	var errs, warns issues

	raw := doc["type"]
	typeName, _ := raw.(string)
	ttype, known := model.ParseTaskType(typeName)
	if !known {
		shown := ""
		if raw != nil {
			shown = fmt.Sprint(raw)
		}
		errs.add("type", "unknown task type '%s' (allowed: %s)", shown, model.AllowedTaskTypesString())
		return errs, nil
	}
	ctx := string(ttype)

	switch ttype {
	case model.TaskScaffoldRoute:
		required(&errs, doc, "name", ctx, kindStr)
		required(&errs, doc, "method", ctx, kindStr)
		required(&errs, doc, "path", ctx, kindStr)
		checkMethod(&errs, doc, ctx)

	case model.TaskScaffoldModel:
		required(&errs, doc, "name", ctx, kindStr)
		required(&errs, doc, "table", ctx, kindStr)
		required(&errs, doc, "columns", ctx, kindList)
		checkObjects(&errs, doc, "columns", ctx, "name", "type")

	case model.TaskScaffoldCrud:
		resource := firstNonEmpty(doc, "resource", "name")
		if resource == "" {
			errs.add("resource", "scaffold_crud: require 'resource' (or 'name')")
		}
		storage, ok := model.NormalizeStorage(optionalString(doc["storage"]))
		if !ok {
			errs.add("storage", "scaffold_crud: storage must be 'memory' or 'db'")
		}
		if storage == model.StoragePersistent {
			if _, has := doc["table"]; !has {
				warns.add("table", "scaffold_crud: storage=db but 'table' missing; will default to '%ss'", resource)
			}
		}
		required(&errs, doc, "fields", ctx, kindList)
		checkObjects(&errs, doc, "fields", ctx, "name", "type")

	case model.TaskRunMigration:
		required(&errs, doc, "file", ctx, kindStr)

	case model.TaskBundle:
		required(&errs, doc, "tasks", ctx, kindList)
		if list, ok := asList(doc["tasks"]); ok {
			for i, item := range list {
				sub := fmt.Sprintf("bundle.tasks[%d]", i)
				m, ok := asMap(item)
				if !ok {
					errs.add(sub, "%s must be an object", sub)
					continue
				}
				subErrs, subWarns := check(m)
				for _, e := range subErrs {
					errs.add(sub, "%s: %s", sub, e.Message)
				}
				for _, w := range subWarns {
					warns.add(sub, "%s: %s", sub, w.Message)
				}
			}
		}

	case model.TaskSpec:
		required(&errs, doc, "name", ctx, kindStr)
		required(&errs, doc, "fields", ctx, kindList)
		checkObjects(&errs, doc, "fields", ctx, "name", "type")
		if v, has := doc["storage"]; has {
			if _, ok := model.NormalizeStorage(optionalString(v)); !ok {
				errs.add("storage", "spec: storage must be 'memory' or 'db'")
			}
		}
		if v, has := doc["routes"]; has && v != nil {
			routes, ok := asList(v)
			if !ok {
				errs.add("routes", "spec: 'routes' must be list")
				break
			}
			for i, item := range routes {
				rctx := fmt.Sprintf("spec.routes[%d]", i)
				r, ok := asMap(item)
				if !ok {
					errs.add(rctx, "%s must be an object", rctx)
					continue
				}
				required(&errs, r, "name", rctx, kindStr)
				required(&errs, r, "method", rctx, kindStr)
				required(&errs, r, "path", rctx, kindStr)
				checkMethod(&errs, r, rctx)
			}
		}

	case model.TaskJob:
		checkJob(&errs, doc)

	case model.TaskSchedule:
		checkSchedule(&errs, doc)
	}

	unknownKeys(&warns, doc, allowedKeys[ttype], ctx)
	return errs, warns
}

func checkJob(errs *issues, doc map[string]any) {
	required(errs, doc, "name", "job", kindStr)

	_, hasShell := doc["shell"]
	_, hasScript := doc["script"]
	_, hasPython := doc["python"]
	switch {
	case !hasShell && !hasScript && !hasPython:
		errs.add("shell", "job: provide either 'shell' or 'python'")
	case hasShell && (hasScript || hasPython):
		errs.add("shell", "job: choose only one of 'shell' or 'python'")
	case hasScript && hasPython:
		errs.add("script", "job: choose only one of 'script' or 'python'")
	}
	for _, k := range []string{"shell", "script", "python", "interpreter", "cwd"} {
		if v, has := doc[k]; has && !isStr(v) {
			errs.add(k, "job: '%s' must be str", k)
		}
	}

	if v, has := doc["timeout"]; has {
		n, ok := toInt(v)
		switch {
		case !ok:
			errs.add("timeout", "job.timeout must be an integer")
		case n <= 0:
			errs.add("timeout", "job.timeout must be > 0")
		}
	}
	if v, has := doc["env"]; has && !isDict(v) {
		errs.add("env", "job.env must be an object of key:value strings")
	}
	if v, has := doc["artifacts"]; has && !isList(v) {
		errs.add("artifacts", "job.artifacts must be a list of path globs")
	}
	if v, has := doc["notify"]; has && !isDict(v) {
		errs.add("notify", "job.notify must be an object with on_success/on_failure/channels")
	}
}

func checkSchedule(errs *issues, doc map[string]any) {
	required(errs, doc, "name", "schedule", kindStr)

	action := scheduleAction(doc)
	if action != model.ScheduleUpsert && action != model.ScheduleRemove {
		errs.add("action", "schedule.action must be 'upsert' or 'remove'")
	}
	if action != model.ScheduleUpsert {
		return
	}

	timezone := ""
	if v, has := doc["timezone"]; has {
		if s, ok := v.(string); ok {
			timezone = s
		} else {
			errs.add("timezone", "schedule: 'timezone' must be str")
		}
	}

	before := len(*errs)
	if s, ok := doc["cron"].(string); ok {
		if strings.TrimSpace(s) == "" {
			errs.add("schedule.cron", "schedule: 'cron' cannot be empty")
		}
	} else {
		required(errs, doc, "cron", "schedule", kindDict)
	}
	if len(*errs) == before {
		spec := doc["cron"]
		if m, ok := asMap(spec); ok {
			spec = m
		}
		if _, err := cronexpr.Expression(spec, timezone); err != nil {
			errs.add("cron", "schedule: invalid cron: %v", err)
		}
	}

	required(errs, doc, "task", "schedule", kindDict)
	inner, ok := asMap(doc["task"])
	if !ok {
		return
	}
	if inner["type"] == string(model.TaskSchedule) {
		errs.add("task", "schedule.task cannot be another 'schedule'")
		return
	}
	innerErrs, _ := check(inner)
	if len(innerErrs) > 0 {
		errs.add("task", "schedule.task failed validation")
		*errs = append(*errs, innerErrs...)
	}
}

func scheduleAction(doc map[string]any) string {
	action := optionalString(doc["action"])
	if action == "" {
		return model.ScheduleUpsert
	}
	return strings.ToLower(action)
}

func checkMethod(errs *issues, doc map[string]any, ctx string) {
	v, has := doc["method"]
	if !has {
		return
	}
	if !slices.Contains(allowedMethods, strings.ToUpper(fmt.Sprint(v))) {
		errs.add("method", "%s: method must be one of %s", ctx, pyList(allowedMethods))
	}
}

// checkObjects requires every element of doc[key] to be an object carrying
// the given string keys.
func checkObjects(errs *issues, doc map[string]any, key, ctx string, keys ...string) {
	list, ok := asList(doc[key])
	if !ok {
		return
	}
	for i, item := range list {
		ictx := fmt.Sprintf("%s.%s[%d]", ctx, key, i)
		m, ok := asMap(item)
		if !ok {
			errs.add(ictx, "%s must be an object", ictx)
			continue
		}
		for _, k := range keys {
			required(errs, m, k, ictx, kindStr)
		}
	}
}

type kind string

const (
	kindStr  kind = "str"
	kindList kind = "list"
	kindDict kind = "dict"
)

func required(errs *issues, d map[string]any, key, ctx string, k kind) {
	field := ctx + "." + key
	val, has := d[key]
	if !has {
		errs.add(field, "%s: missing required key '%s'", ctx, key)
		return
	}
	var ok bool
	switch k {
	case kindStr:
		ok = isStr(val)
	case kindList:
		ok = isList(val)
	case kindDict:
		ok = isDict(val)
	}
	if !ok {
		errs.add(field, "%s: '%s' must be %s", ctx, key, k)
		return
	}
	if isEmpty(val) {
		errs.add(field, "%s: '%s' cannot be empty", ctx, key)
	}
}

func unknownKeys(warns *issues, d map[string]any, allowed []string, ctx string) {
	var extra []string
	for k := range d {
		if k == model.MetaKey || slices.Contains(allowed, k) {
			continue
		}
		extra = append(extra, k)
	}
	slices.Sort(extra)
	for _, k := range extra {
		warns.add(k, "%s: unknown key '%s' will be ignored", ctx, k)
	}
}

func firstNonEmpty(d map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := optionalString(d[k]); s != "" {
			return s
		}
	}
	return ""
}

func optionalString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func pyList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = "'" + s + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func isStr(v any) bool {
	_, ok := v.(string)
	return ok
}

func isList(v any) bool {
	_, ok := asList(v)
	return ok
}

func isDict(v any) bool {
	_, ok := asMap(v)
	return ok
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	if l, ok := asList(v); ok {
		return len(l) == 0
	}
	return false
}

// asList accepts any slice so documents built in Go (not only decoded ones)
// validate the same way.
func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

// resolve decodes a checked document into its typed variant.
func resolve(doc map[string]any) (*model.Task, error) {
	ttype, _ := model.ParseTaskType(doc["type"].(string))
	task := &model.Task{Type: ttype, Doc: model.StripMeta(doc)}

	var target any
	switch ttype {
	case model.TaskScaffoldRoute:
		task.Route = &model.RouteTask{}
		target = task.Route
	case model.TaskScaffoldModel:
		task.Model = &model.ModelTask{}
		target = task.Model
	case model.TaskScaffoldCrud:
		task.Crud = &model.CrudTask{}
		target = task.Crud
	case model.TaskRunMigration:
		task.Migration = &model.MigrationTask{}
		target = task.Migration
	case model.TaskBundle:
		task.Bundle = &model.BundleTask{}
		target = task.Bundle
	case model.TaskSpec:
		task.Spec = &model.SpecTask{}
		target = task.Spec
	case model.TaskJob:
		task.Job = &model.JobTask{}
		target = task.Job
	case model.TaskSchedule:
		task.Schedule = &model.ScheduleTask{}
		target = task.Schedule
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(task.Doc); err != nil {
		return nil, fmt.Errorf("%s: %w", ttype, err)
	}

	switch ttype {
	case model.TaskScaffoldRoute:
		task.Route.Method = strings.ToUpper(task.Route.Method)
	case model.TaskScaffoldCrud:
		task.Crud.Storage, _ = model.NormalizeStorage(task.Crud.Storage)
	case model.TaskSpec:
		task.Spec.Storage, _ = model.NormalizeStorage(task.Spec.Storage)
		for i := range task.Spec.Routes {
			task.Spec.Routes[i].Method = strings.ToUpper(task.Spec.Routes[i].Method)
		}
	case model.TaskSchedule:
		task.Schedule.Action = scheduleAction(doc)
	}
	return task, nil
}
