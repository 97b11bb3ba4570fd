package validate

import (
	"slices"
	"strings"
	"testing"

	"github.com/msageha/heimdall/internal/model"
)

func validDocs() map[model.TaskType]map[string]any {
	return map[model.TaskType]map[string]any{
		model.TaskScaffoldRoute: {
			"type": "scaffold_route", "name": "health", "method": "get", "path": "/health",
		},
		model.TaskScaffoldModel: {
			"type": "scaffold_model", "name": "Widget", "table": "widgets",
			"columns": []any{
				map[string]any{"name": "id", "type": "bigserial", "primary_key": true},
				map[string]any{"name": "title", "type": "text", "not_null": true},
			},
		},
		model.TaskScaffoldCrud: {
			"type": "scaffold_crud", "resource": "widget", "storage": "memory",
			"fields": []any{map[string]any{"name": "title", "type": "str"}},
		},
		model.TaskRunMigration: {"type": "run_migration", "file": "migrations/generated/widget.sql"},
		model.TaskBundle: {
			"type": "bundle",
			"tasks": []any{
				map[string]any{"type": "run_migration", "file": "a.sql"},
			},
		},
		model.TaskSpec: {
			"type": "spec", "name": "widget", "storage": "db",
			"fields": []any{map[string]any{"name": "title", "type": "text"}},
			"routes": []any{map[string]any{"name": "count", "method": "GET", "path": "/widgets/count"}},
		},
		model.TaskJob: {"type": "job", "name": "echo_test", "shell": "echo hello", "timeout": 5},
		model.TaskSchedule: {
			"type": "schedule", "action": "upsert", "name": "nightly",
			"cron": map[string]any{"hour": 3},
			"task": map[string]any{"type": "job", "name": "nightly_job", "shell": "true"},
		},
	}
}

func messages(issues []Issue) string {
	return strings.Join(Messages(issues), "\n")
}

func TestValidate_AllTypesValid(t *testing.T) {
	docs := validDocs()
	for _, tt := range model.AllTaskTypes() {
		t.Run(string(tt), func(t *testing.T) {
			res := Validate(docs[tt])
			if !res.OK {
				t.Fatalf("Validate(%s) errors: %s", tt, messages(res.Errors))
			}
			if len(res.Errors) != 0 {
				t.Errorf("expected zero errors, got %d", len(res.Errors))
			}
			if res.Task == nil || res.Task.Type != tt {
				t.Fatalf("resolved task = %+v, want type %s", res.Task, tt)
			}
		})
	}
}

func TestValidate_MissingRequiredField(t *testing.T) {
	tests := []struct {
		ttype model.TaskType
		field string
		want  string
	}{
		{model.TaskScaffoldRoute, "name", "scaffold_route: missing required key 'name'"},
		{model.TaskScaffoldRoute, "path", "scaffold_route: missing required key 'path'"},
		{model.TaskScaffoldModel, "table", "scaffold_model: missing required key 'table'"},
		{model.TaskScaffoldModel, "columns", "scaffold_model: missing required key 'columns'"},
		{model.TaskScaffoldCrud, "fields", "scaffold_crud: missing required key 'fields'"},
		{model.TaskScaffoldCrud, "resource", "scaffold_crud: require 'resource' (or 'name')"},
		{model.TaskRunMigration, "file", "run_migration: missing required key 'file'"},
		{model.TaskBundle, "tasks", "bundle: missing required key 'tasks'"},
		{model.TaskSpec, "name", "spec: missing required key 'name'"},
		{model.TaskSpec, "fields", "spec: missing required key 'fields'"},
		{model.TaskJob, "name", "job: missing required key 'name'"},
		{model.TaskJob, "shell", "job: provide either 'shell' or 'python'"},
		{model.TaskSchedule, "name", "schedule: missing required key 'name'"},
		{model.TaskSchedule, "cron", "schedule: missing required key 'cron'"},
		{model.TaskSchedule, "task", "schedule: missing required key 'task'"},
	}
	for _, tc := range tests {
		t.Run(string(tc.ttype)+"/"+tc.field, func(t *testing.T) {
			doc := validDocs()[tc.ttype]
			delete(doc, tc.field)

			res := Validate(doc)
			if res.OK {
				t.Fatalf("expected failure without %q", tc.field)
			}
			if res.Task != nil {
				t.Errorf("Task should be nil on failure")
			}
			if !slices.Contains(Messages(res.Errors), tc.want) {
				t.Errorf("errors = %s, want %q", messages(res.Errors), tc.want)
			}
		})
	}
}

func TestValidate_UnknownType(t *testing.T) {
	want := "unknown task type 'deploy' (allowed: ['bundle', 'job', 'run_migration', " +
		"'scaffold_crud', 'scaffold_model', 'scaffold_route', 'schedule', 'spec'])"

	for _, doc := range []map[string]any{
		{"type": "deploy"},
		{"type": "deploy", "name": "x", "extra": 1},
	} {
		res := Validate(doc)
		if res.OK {
			t.Fatal("unknown type accepted")
		}
		if len(res.Errors) != 1 || res.Errors[0].Message != want {
			t.Errorf("errors = %v, want single %q", Messages(res.Errors), want)
		}
		if len(res.Warnings) != 0 {
			t.Errorf("warnings = %v, want none", Messages(res.Warnings))
		}
	}

	res := Validate(map[string]any{})
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0].Message, "unknown task type ''") {
		t.Errorf("missing type errors = %v", Messages(res.Errors))
	}
}

func TestValidate_TypeAndEmptyChecks(t *testing.T) {
	doc := validDocs()[model.TaskScaffoldRoute]
	doc["name"] = 7
	doc["path"] = ""

	res := Validate(doc)
	got := Messages(res.Errors)
	for _, want := range []string{
		"scaffold_route: 'name' must be str",
		"scaffold_route: 'path' cannot be empty",
	} {
		if !slices.Contains(got, want) {
			t.Errorf("errors = %v, missing %q", got, want)
		}
	}

	doc = validDocs()[model.TaskScaffoldModel]
	doc["columns"] = []any{"id", map[string]any{"name": "title"}}
	got = Messages(Validate(doc).Errors)
	for _, want := range []string{
		"scaffold_model.columns[0] must be an object",
		"scaffold_model.columns[1]: missing required key 'type'",
	} {
		if !slices.Contains(got, want) {
			t.Errorf("errors = %v, missing %q", got, want)
		}
	}
}

func TestValidate_Method(t *testing.T) {
	doc := validDocs()[model.TaskScaffoldRoute]
	doc["method"] = "FETCH"

	res := Validate(doc)
	want := "scaffold_route: method must be one of ['DELETE', 'GET', 'HEAD', 'OPTIONS', 'PATCH', 'POST', 'PUT']"
	if !slices.Contains(Messages(res.Errors), want) {
		t.Errorf("errors = %v", Messages(res.Errors))
	}

	res = Validate(validDocs()[model.TaskScaffoldRoute])
	if res.Task.Route.Method != "GET" {
		t.Errorf("Method = %q, want upper-cased GET", res.Task.Route.Method)
	}
}

func TestValidate_UnknownKeysWarn(t *testing.T) {
	doc := validDocs()[model.TaskRunMigration]
	doc["zeta"] = true
	doc["alpha"] = "x"
	doc[model.MetaKey] = map[string]any{"attempts": 1}

	res := Validate(doc)
	if !res.OK {
		t.Fatalf("unknown keys must not fail validation: %v", Messages(res.Errors))
	}
	want := []string{
		"run_migration: unknown key 'alpha' will be ignored",
		"run_migration: unknown key 'zeta' will be ignored",
	}
	if !slices.Equal(Messages(res.Warnings), want) {
		t.Errorf("warnings = %v, want %v", Messages(res.Warnings), want)
	}
	if _, ok := res.Task.Doc[model.MetaKey]; ok {
		t.Error("resolved Doc should not carry metadata")
	}
}

func TestValidate_Crud(t *testing.T) {
	doc := validDocs()[model.TaskScaffoldCrud]
	doc["storage"] = "redis"
	if !slices.Contains(Messages(Validate(doc).Errors), "scaffold_crud: storage must be 'memory' or 'db'") {
		t.Error("bad storage accepted")
	}

	doc = validDocs()[model.TaskScaffoldCrud]
	doc["storage"] = "persistent"
	res := Validate(doc)
	if !res.OK {
		t.Fatalf("persistent storage rejected: %v", Messages(res.Errors))
	}
	if res.Task.Crud.Storage != model.StoragePersistent {
		t.Errorf("Storage = %q, want %q", res.Task.Crud.Storage, model.StoragePersistent)
	}
	want := "scaffold_crud: storage=db but 'table' missing; will default to 'widgets'"
	if !slices.Contains(Messages(res.Warnings), want) {
		t.Errorf("warnings = %v, want %q", Messages(res.Warnings), want)
	}

	doc = validDocs()[model.TaskScaffoldCrud]
	delete(doc, "resource")
	doc["name"] = "gadget"
	res = Validate(doc)
	if !res.OK || res.Task.Crud.ResourceName() != "gadget" {
		t.Errorf("name fallback failed: %v", Messages(res.Errors))
	}
}

func TestValidate_Job(t *testing.T) {
	tests := []struct {
		name  string
		patch map[string]any
		drop  string
		want  string
	}{
		{"both commands", map[string]any{"python": "print(1)"}, "", "job: choose only one of 'shell' or 'python'"},
		{"zero timeout", map[string]any{"timeout": 0}, "", "job.timeout must be > 0"},
		{"text timeout", map[string]any{"timeout": "soon"}, "", "job.timeout must be an integer"},
		{"env list", map[string]any{"env": []any{"A=1"}}, "", "job.env must be an object of key:value strings"},
		{"artifacts string", map[string]any{"artifacts": "*.log"}, "", "job.artifacts must be a list of path globs"},
		{"notify bool", map[string]any{"notify": true}, "", "job.notify must be an object with on_success/on_failure/channels"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := validDocs()[model.TaskJob]
			for k, v := range tc.patch {
				doc[k] = v
			}
			res := Validate(doc)
			if res.OK || !slices.Contains(Messages(res.Errors), tc.want) {
				t.Errorf("errors = %v, want %q", Messages(res.Errors), tc.want)
			}
		})
	}

	doc := map[string]any{
		"type": "job", "name": "report", "script": "print('hi')", "timeout": "30",
		"env":    map[string]any{"MODE": "nightly", "RETRIES": 2},
		"notify": map[string]any{"on_success": true},
	}
	res := Validate(doc)
	if !res.OK {
		t.Fatalf("script job rejected: %v", Messages(res.Errors))
	}
	job := res.Task.Job
	if job.Timeout != 30 || job.Env["RETRIES"] != "2" {
		t.Errorf("decoded job = %+v", job)
	}
	if job.Notify == nil || job.Notify.OnSuccess == nil || !*job.Notify.OnSuccess {
		t.Errorf("notify.on_success not decoded: %+v", job.Notify)
	}
	body, interp, ok := job.ScriptSource()
	if !ok || body != "print('hi')" || interp != model.DefaultInterpreter {
		t.Errorf("ScriptSource() = %q, %q, %v", body, interp, ok)
	}
}

func TestValidate_Schedule(t *testing.T) {
	res := Validate(validDocs()[model.TaskSchedule])
	if !res.OK {
		t.Fatalf("errors: %v", Messages(res.Errors))
	}
	if res.Task.Schedule.Action != model.ScheduleUpsert || res.Task.Schedule.Task["name"] != "nightly_job" {
		t.Errorf("schedule = %+v", res.Task.Schedule)
	}

	doc := validDocs()[model.TaskSchedule]
	delete(doc, "action")
	if res := Validate(doc); !res.OK || res.Task.Schedule.Action != model.ScheduleUpsert {
		t.Errorf("action should default to upsert: %v", Messages(res.Errors))
	}

	remove := map[string]any{"type": "schedule", "action": "REMOVE", "name": "nightly"}
	if res := Validate(remove); !res.OK || res.Task.Schedule.Action != model.ScheduleRemove {
		t.Errorf("remove rejected: %v", Messages(res.Errors))
	}

	doc = validDocs()[model.TaskSchedule]
	doc["action"] = "pause"
	if !slices.Contains(Messages(Validate(doc).Errors), "schedule.action must be 'upsert' or 'remove'") {
		t.Error("bad action accepted")
	}

	doc = validDocs()[model.TaskSchedule]
	doc["task"] = map[string]any{"type": "schedule", "name": "inner"}
	if !slices.Contains(Messages(Validate(doc).Errors), "schedule.task cannot be another 'schedule'") {
		t.Error("nested schedule accepted")
	}

	doc = validDocs()[model.TaskSchedule]
	doc["task"] = map[string]any{"type": "job", "name": "bad"}
	got := Messages(Validate(doc).Errors)
	if !slices.Contains(got, "schedule.task failed validation") ||
		!slices.Contains(got, "job: provide either 'shell' or 'python'") {
		t.Errorf("nested errors = %v", got)
	}

	doc = validDocs()[model.TaskSchedule]
	doc["cron"] = map[string]any{"hour": 42}
	got = Messages(Validate(doc).Errors)
	if len(got) != 1 || !strings.HasPrefix(got[0], "schedule: invalid cron") {
		t.Errorf("invalid cron errors = %v", got)
	}

	doc = validDocs()[model.TaskSchedule]
	doc["cron"] = "*/10 * * * *"
	doc["timezone"] = "Europe/Berlin"
	if res := Validate(doc); !res.OK {
		t.Errorf("string cron rejected: %v", Messages(res.Errors))
	}
	for _, dow := range []string{"5-6", "sat-sun", "0-6", "mon-sun", "6"} {
		doc = validDocs()[model.TaskSchedule]
		doc["cron"] = map[string]any{"day_of_week": dow, "hour": 9}
		if res := Validate(doc); !res.OK {
			t.Errorf("day_of_week %q rejected: %v", dow, Messages(res.Errors))
		}
	}
}

func TestValidate_BundleSubTasks(t *testing.T) {
	doc := map[string]any{
		"type": "bundle",
		"tasks": []any{
			map[string]any{"type": "run_migration", "file": "a.sql"},
			map[string]any{"type": "run_migration"},
			"not-a-task",
			map[string]any{"type": "run_migration", "file": "b.sql", "extra": 1},
		},
	}
	res := Validate(doc)
	if res.OK {
		t.Fatal("bundle with invalid sub-task accepted")
	}
	want := []string{
		"bundle.tasks[1]: run_migration: missing required key 'file'",
		"bundle.tasks[2] must be an object",
	}
	if !slices.Equal(Messages(res.Errors), want) {
		t.Errorf("errors = %v, want %v", Messages(res.Errors), want)
	}
	if !slices.Contains(Messages(res.Warnings), "bundle.tasks[3]: run_migration: unknown key 'extra' will be ignored") {
		t.Errorf("warnings = %v", Messages(res.Warnings))
	}

	doc["tasks"] = []any{}
	if !slices.Contains(Messages(Validate(doc).Errors), "bundle: 'tasks' cannot be empty") {
		t.Error("empty bundle accepted")
	}
}

func TestValidate_GoBuiltDocuments(t *testing.T) {
	doc := map[string]any{
		"type":   "scaffold_crud",
		"name":   "note",
		"fields": []map[string]any{{"name": "body", "type": "str"}},
	}
	res := Validate(doc)
	if !res.OK {
		t.Fatalf("errors: %v", Messages(res.Errors))
	}
	if len(res.Task.Crud.Fields) != 1 || res.Task.Crud.Fields[0].Name != "body" {
		t.Errorf("fields = %+v", res.Task.Crud.Fields)
	}
}

func TestLint(t *testing.T) {
	res := Lint([]byte("type: job\nname: echo_test\nshell: echo hello\ntimeout: 5\n"))
	if !res.OK {
		t.Fatalf("errors: %v", Messages(res.Errors))
	}
	if res.Normalized["name"] != "echo_test" || res.Task == nil {
		t.Errorf("normalized = %v", res.Normalized)
	}

	res = Lint([]byte(`{"type": "run_migration", "file": "x.sql"}`))
	if !res.OK {
		t.Errorf("JSON input rejected: %v", Messages(res.Errors))
	}

	res = Lint([]byte("type: [unclosed\n"))
	if res.OK || len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0].Message, "yaml parse error: ") {
		t.Errorf("parse error result = %+v", res)
	}

	res = Lint([]byte("- a\n- b\n"))
	if res.OK || res.Errors[0].Message != "task must be a mapping/object" {
		t.Errorf("list document result = %+v", res)
	}

	res = Lint(nil)
	if res.OK || !strings.HasPrefix(res.Errors[0].Message, "unknown task type") {
		t.Errorf("empty document result = %+v", res)
	}
}

func TestFormatStderr(t *testing.T) {
	out := FormatStderr([]Issue{{Message: "a"}}, []Issue{{Message: "b"}})
	if out != "error: a\nwarning: b\n" {
		t.Errorf("FormatStderr() = %q", out)
	}
}
