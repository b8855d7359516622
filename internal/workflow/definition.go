package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"OpenMCP-Orchestra/internal/ctxstore"
	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/seeds"
)

// Duration 包装 time.Duration，使定义文件既能写 "30s" 也能直接写秒数。
type Duration struct {
	time.Duration
}

// Seconds 从秒数构造 Duration。
func Seconds(value float64) Duration {
	return Duration{Duration: time.Duration(value * float64(time.Second))}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.decode(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.decode(raw)
}

func (d *Duration) decode(raw any) error {
	switch v := raw.(type) {
	case string:
		if v == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			if secs, convErr := strconv.ParseFloat(v, 64); convErr == nil {
				d.Duration = time.Duration(secs * float64(time.Second))
				return nil
			}
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case int:
		d.Duration = time.Duration(v) * time.Second
	case int64:
		d.Duration = time.Duration(v) * time.Second
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// BackoffKind 表示重试间隔的增长策略。
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// DependencyPolicy 决定依赖失败时后继步骤的处理方式。
type DependencyPolicy string

const (
	// DependencySkip 表示依赖失败时跳过当前步骤。
	DependencySkip DependencyPolicy = "skip"
	// DependencyProceed 表示依赖失败后仍继续执行，模板可以引用失败占位字段。
	DependencyProceed DependencyPolicy = "proceed"
)

// RetryPolicy 描述单个步骤的重试行为。
type RetryPolicy struct {
	MaxAttempts    int         `json:"max_attempts" yaml:"max_attempts"`
	Backoff        BackoffKind `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Delay          Duration    `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay       Duration    `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier     float64     `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	RetryOnTimeout bool        `json:"retry_on_timeout,omitempty" yaml:"retry_on_timeout,omitempty"`
}

// StepDef 描述工作流中的单个步骤。
type StepDef struct {
	Name                string           `json:"name" yaml:"name"`
	Action              string           `json:"action,omitempty" yaml:"action,omitempty"`
	Provider            string           `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model               string           `json:"model,omitempty" yaml:"model,omitempty"`
	System              string           `json:"system,omitempty" yaml:"system,omitempty"`
	Prompt              string           `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Params              map[string]any   `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn           []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Group               string           `json:"group,omitempty" yaml:"group,omitempty"`
	SaveAs              string           `json:"save_as,omitempty" yaml:"save_as,omitempty"`
	Stream              bool             `json:"stream,omitempty" yaml:"stream,omitempty"`
	Timeout             Duration         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry               *RetryPolicy     `json:"retry,omitempty" yaml:"retry,omitempty"`
	OnDependencyFailure DependencyPolicy `json:"on_dependency_failure,omitempty" yaml:"on_dependency_failure,omitempty"`
}

// storeKey 返回步骤写入上下文时使用的键。
func (s StepDef) storeKey() string {
	if s.SaveAs != "" {
		return s.SaveAs
	}
	return s.Name
}

// ActionLLM 是 llm 步骤的规范化动作名，也是 Action 留空时的默认值。
const ActionLLM = "llm"

// Definition 是工作流的静态描述，可由 YAML 或 JSON 反序列化得到。
type Definition struct {
	Name            string                `json:"name" yaml:"name"`
	Description     string                `json:"description,omitempty" yaml:"description,omitempty"`
	Steps           []StepDef             `json:"steps" yaml:"steps"`
	FailFast        bool                  `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	MaxConcurrency  int                   `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	DefaultProvider string                `json:"default_provider,omitempty" yaml:"default_provider,omitempty"`
	DefaultModel    string                `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	DefaultTimeout  Duration              `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`
	DefaultRetry    *RetryPolicy          `json:"default_retry,omitempty" yaml:"default_retry,omitempty"`
	Prune           *ctxstore.PrunePolicy `json:"prune,omitempty" yaml:"prune,omitempty"`
	SeedSet         string                `json:"seed_set,omitempty" yaml:"seed_set,omitempty"`
	Seeds           []seeds.Seed          `json:"seeds,omitempty" yaml:"seeds,omitempty"`
	Metadata        map[string]any        `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ParseDefinition 从 YAML/JSON 字节流解析工作流定义并完成图校验。
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "invalid workflow definition")
	}
	if _, err := compile(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition 从文件加载工作流定义。
func LoadDefinition(path string) (*Definition, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "definition path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "read workflow definition")
	}
	return ParseDefinition(data)
}

// Validate 校验定义的结构与依赖图，失败时整份定义被拒绝。
func (d *Definition) Validate() error {
	_, err := compile(d)
	return err
}

// NewWorkflow 根据定义生成一条待执行的工作流记录。
func NewWorkflow(id string, def Definition) *Workflow {
	now := time.Now().Unix()
	wf := &Workflow{
		ID:         id,
		Name:       def.Name,
		Definition: def,
		Status:     StatusPending,
		Steps:      make([]*StepRecord, 0, len(def.Steps)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, step := range def.Steps {
		wf.Steps = append(wf.Steps, &StepRecord{
			Name:   step.Name,
			Key:    step.storeKey(),
			Status: StepPending,
		})
	}
	return wf
}
