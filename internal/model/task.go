package model

import (
	"fmt"
	"slices"
	"strings"
)

// TaskType is the closed set of task discriminators a queue entry may carry.
type TaskType string

const (
	TaskScaffoldRoute TaskType = "scaffold_route"
	TaskScaffoldModel TaskType = "scaffold_model"
	TaskScaffoldCrud  TaskType = "scaffold_crud"
	TaskRunMigration  TaskType = "run_migration"
	TaskBundle        TaskType = "bundle"
	TaskSpec          TaskType = "spec"
	TaskJob           TaskType = "job"
	TaskSchedule      TaskType = "schedule"
)

var allTaskTypes = []TaskType{
	TaskBundle,
	TaskJob,
	TaskRunMigration,
	TaskScaffoldCrud,
	TaskScaffoldModel,
	TaskScaffoldRoute,
	TaskSchedule,
	TaskSpec,
}

// AllTaskTypes returns every known task type in sorted order.
func AllTaskTypes() []TaskType {
	return slices.Clone(allTaskTypes)
}

func ParseTaskType(s string) (TaskType, bool) {
	t := TaskType(s)
	if slices.Contains(allTaskTypes, t) {
		return t, true
	}
	return "", false
}

// AllowedTaskTypesString renders the allowed set the way validator messages quote it.
func AllowedTaskTypesString() string {
	quoted := make([]string, len(allTaskTypes))
	for i, t := range allTaskTypes {
		quoted[i] = fmt.Sprintf("'%s'", t)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// Storage modes for generated CRUD resources.
const (
	StorageMemory     = "memory"
	StoragePersistent = "db"
)

// NormalizeStorage maps accepted storage spellings onto StorageMemory or StoragePersistent.
// An empty value means memory.
func NormalizeStorage(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", StorageMemory:
		return StorageMemory, true
	case StoragePersistent, "persistent":
		return StoragePersistent, true
	default:
		return "", false
	}
}

// Task is a validated task document resolved to exactly one typed variant.
type Task struct {
	Type TaskType

	Route     *RouteTask
	Model     *ModelTask
	Crud      *CrudTask
	Migration *MigrationTask
	Bundle    *BundleTask
	Spec      *SpecTask
	Job       *JobTask
	Schedule  *ScheduleTask

	// Doc is the normalized document the variant was decoded from.
	Doc map[string]any
}

// Label is a short human-readable identifier used in logs and notifications.
func (t Task) Label() string {
	switch t.Type {
	case TaskScaffoldRoute:
		return string(t.Type) + ":" + t.Route.Name
	case TaskScaffoldModel:
		return string(t.Type) + ":" + t.Model.Name
	case TaskScaffoldCrud:
		return string(t.Type) + ":" + t.Crud.ResourceName()
	case TaskRunMigration:
		return string(t.Type) + ":" + t.Migration.File
	case TaskBundle:
		return fmt.Sprintf("%s:%d", t.Type, len(t.Bundle.Tasks))
	case TaskSpec:
		return string(t.Type) + ":" + t.Spec.Name
	case TaskJob:
		return string(t.Type) + ":" + t.Job.Name
	case TaskSchedule:
		return string(t.Type) + ":" + t.Schedule.Name
	}
	return string(t.Type)
}

type RouteTask struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Method   string `mapstructure:"method" yaml:"method"`
	Path     string `mapstructure:"path" yaml:"path"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Tag      string `mapstructure:"tag" yaml:"tag,omitempty"`
	Response any    `mapstructure:"response" yaml:"response,omitempty"`
}

type Column struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Type       string `mapstructure:"type" yaml:"type"`
	NotNull    bool   `mapstructure:"not_null" yaml:"not_null,omitempty"`
	Default    any    `mapstructure:"default" yaml:"default,omitempty"`
	PrimaryKey bool   `mapstructure:"primary_key" yaml:"primary_key,omitempty"`
}

type ModelTask struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Table   string   `mapstructure:"table" yaml:"table"`
	Columns []Column `mapstructure:"columns" yaml:"columns"`
}

type Field struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Type    string `mapstructure:"type" yaml:"type"`
	Default any    `mapstructure:"default" yaml:"default,omitempty"`
}

type CrudTask struct {
	Resource string  `mapstructure:"resource" yaml:"resource,omitempty"`
	Name     string  `mapstructure:"name" yaml:"name,omitempty"`
	Storage  string  `mapstructure:"storage" yaml:"storage,omitempty"`
	Table    string  `mapstructure:"table" yaml:"table,omitempty"`
	Prefix   string  `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Tag      string  `mapstructure:"tag" yaml:"tag,omitempty"`
	Fields   []Field `mapstructure:"fields" yaml:"fields"`
}

// ResourceName prefers resource over name.
func (c CrudTask) ResourceName() string {
	if c.Resource != "" {
		return c.Resource
	}
	return c.Name
}

type MigrationTask struct {
	File string `mapstructure:"file" yaml:"file"`
}

type BundleTask struct {
	Tasks []map[string]any `mapstructure:"tasks" yaml:"tasks"`
}

type SpecRoute struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Method   string `mapstructure:"method" yaml:"method"`
	Path     string `mapstructure:"path" yaml:"path"`
	Response any    `mapstructure:"response" yaml:"response,omitempty"`
}

type SpecTask struct {
	Name     string      `mapstructure:"name" yaml:"name"`
	Resource string      `mapstructure:"resource" yaml:"resource,omitempty"`
	Storage  string      `mapstructure:"storage" yaml:"storage,omitempty"`
	Table    string      `mapstructure:"table" yaml:"table,omitempty"`
	Fields   []Column    `mapstructure:"fields" yaml:"fields"`
	Routes   []SpecRoute `mapstructure:"routes" yaml:"routes,omitempty"`
}

type JobNotify struct {
	OnSuccess *bool `mapstructure:"on_success" yaml:"on_success,omitempty"`
	OnFailure *bool `mapstructure:"on_failure" yaml:"on_failure,omitempty"`
}

// DefaultInterpreter runs embedded scripts that do not name one.
const DefaultInterpreter = "python3"

type JobTask struct {
	Name        string            `mapstructure:"name" yaml:"name"`
	Shell       string            `mapstructure:"shell" yaml:"shell,omitempty"`
	Script      string            `mapstructure:"script" yaml:"script,omitempty"`
	Interpreter string            `mapstructure:"interpreter" yaml:"interpreter,omitempty"`
	Python      string            `mapstructure:"python" yaml:"python,omitempty"`
	Cwd         string            `mapstructure:"cwd" yaml:"cwd,omitempty"`
	Timeout     int               `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Env         map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	Artifacts   []string          `mapstructure:"artifacts" yaml:"artifacts,omitempty"`
	Notify      *JobNotify        `mapstructure:"notify" yaml:"notify,omitempty"`
}

// ScriptSource returns the embedded script body and its interpreter.
// The legacy python key is treated as a python3 script.
func (j JobTask) ScriptSource() (body, interpreter string, ok bool) {
	switch {
	case j.Script != "":
		interpreter = j.Interpreter
		if interpreter == "" {
			interpreter = DefaultInterpreter
		}
		return j.Script, interpreter, true
	case j.Python != "":
		return j.Python, DefaultInterpreter, true
	}
	return "", "", false
}

// Schedule actions.
const (
	ScheduleUpsert = "upsert"
	ScheduleRemove = "remove"
)

type ScheduleTask struct {
	Name     string         `mapstructure:"name" yaml:"name"`
	Action   string         `mapstructure:"action" yaml:"action"`
	Cron     any            `mapstructure:"cron" yaml:"cron,omitempty"`
	Timezone string         `mapstructure:"timezone" yaml:"timezone,omitempty"`
	Task     map[string]any `mapstructure:"task" yaml:"task,omitempty"`
}
