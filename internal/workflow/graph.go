package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"OpenMCP-Orchestra/internal/ctxstore"
	xerrors "OpenMCP-Orchestra/internal/errors"
)

// plan 是定义编译后的执行图：生效依赖、模板引用与每步的执行参数。
// 编译是纯函数，任何一处违规都会让整份定义被拒绝。
type plan struct {
	def      *Definition
	order    []string
	steps    map[string]StepDef
	deps     map[string][]string
	pins     map[string][]string
	policies map[string]RetryPolicy
	timeouts map[string]time.Duration
}

func defErrorf(format string, args ...any) error {
	return xerrors.New(xerrors.CodeValidation, fmt.Sprintf(format, args...))
}

// compile 校验定义并生成执行图。
// 依赖只能指向更早的步骤，因此图天然无环；未声明依赖的步骤会
// 继承顺序语义：依赖上一个执行单元（单步或一组并行步骤）。
func compile(def *Definition) (*plan, error) {
	if def == nil {
		return nil, defErrorf("workflow definition is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, defErrorf("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return nil, defErrorf("workflow %q has no steps", def.Name)
	}
	if def.MaxConcurrency < 0 {
		return nil, defErrorf("workflow %q: max_concurrency must not be negative", def.Name)
	}
	if def.DefaultTimeout.Duration < 0 {
		return nil, defErrorf("workflow %q: default_timeout must not be negative", def.Name)
	}
	if err := validateRetry(def.DefaultRetry, "default_retry"); err != nil {
		return nil, err
	}
	if def.Prune != nil && (def.Prune.MaxEntries < 0 || def.Prune.MaxTokens < 0) {
		return nil, defErrorf("workflow %q: prune limits must not be negative", def.Name)
	}

	p := &plan{
		def:      def,
		order:    make([]string, 0, len(def.Steps)),
		steps:    make(map[string]StepDef, len(def.Steps)),
		deps:     make(map[string][]string, len(def.Steps)),
		pins:     make(map[string][]string),
		policies: make(map[string]RetryPolicy, len(def.Steps)),
		timeouts: make(map[string]time.Duration, len(def.Steps)),
	}

	keyOwner := make(map[string]string, len(def.Steps))
	index := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		name := step.Name
		if strings.TrimSpace(name) == "" {
			return nil, defErrorf("workflow %q: step %d has no name", def.Name, i+1)
		}
		if !ctxstore.ValidRefName(name) {
			return nil, defErrorf("step name %q is not referenceable from templates", name)
		}
		if _, exists := index[name]; exists {
			return nil, defErrorf("duplicate step name %q", name)
		}
		key := step.storeKey()
		if !ctxstore.ValidRefName(key) {
			return nil, defErrorf("step %q: save_as %q is not referenceable from templates", name, key)
		}
		if owner, exists := keyOwner[key]; exists {
			return nil, defErrorf("step %q saves to key %q already used by step %q", name, key, owner)
		}
		if err := validateAction(step); err != nil {
			return nil, err
		}
		if step.Timeout.Duration < 0 {
			return nil, defErrorf("step %q: timeout must not be negative", name)
		}
		if err := validateRetry(step.Retry, fmt.Sprintf("step %q retry", name)); err != nil {
			return nil, err
		}
		switch step.OnDependencyFailure {
		case "", DependencySkip, DependencyProceed:
		default:
			return nil, defErrorf("step %q: unknown dependency policy %q", name, step.OnDependencyFailure)
		}

		index[name] = i
		keyOwner[key] = name
		p.order = append(p.order, name)
		stored := step
		if stored.Provider == "" {
			stored.Provider = def.DefaultProvider
		}
		if stored.Model == "" {
			stored.Model = def.DefaultModel
		}
		p.steps[name] = stored
		p.policies[name] = resolveRetry(step.Retry, def.DefaultRetry)
		timeout := step.Timeout.Duration
		if timeout == 0 {
			timeout = def.DefaultTimeout.Duration
		}
		p.timeouts[name] = timeout
	}

	seedKeys := make(map[string]bool, len(def.Seeds))
	for _, seed := range def.Seeds {
		if !ctxstore.ValidRefName(seed.Key) {
			return nil, defErrorf("seed key %q is not referenceable from templates", seed.Key)
		}
		if seedKeys[seed.Key] {
			return nil, defErrorf("duplicate seed key %q", seed.Key)
		}
		if owner, exists := keyOwner[seed.Key]; exists {
			return nil, defErrorf("seed key %q collides with output of step %q", seed.Key, owner)
		}
		seedKeys[seed.Key] = true
	}

	// 显式依赖必须指向更早的步骤。
	for i, step := range def.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			depIdx, exists := index[dep]
			if !exists {
				return nil, defErrorf("step %q depends on unknown step %q", step.Name, dep)
			}
			if dep == step.Name {
				return nil, defErrorf("step %q depends on itself", step.Name)
			}
			if depIdx >= i {
				return nil, defErrorf("step %q depends on later step %q", step.Name, dep)
			}
			if seen[dep] {
				return nil, defErrorf("step %q lists dependency %q twice", step.Name, dep)
			}
			seen[dep] = true
			if step.Group != "" && def.Steps[depIdx].Group == step.Group {
				return nil, defErrorf("steps %q and %q share group %q and must not depend on each other", step.Name, dep, step.Group)
			}
		}
		p.deps[step.Name] = append([]string(nil), step.DependsOn...)
	}

	// 划分执行单元：连续同组步骤构成并行单元，组名不允许中断后复用。
	type unit struct {
		group   string
		members []string
	}
	var units []unit
	usedGroups := make(map[string]bool)
	for _, step := range def.Steps {
		if step.Group != "" && len(units) > 0 && units[len(units)-1].group == step.Group {
			last := &units[len(units)-1]
			last.members = append(last.members, step.Name)
			continue
		}
		if step.Group != "" {
			if usedGroups[step.Group] {
				return nil, defErrorf("group %q must cover consecutive steps", step.Group)
			}
			usedGroups[step.Group] = true
		}
		units = append(units, unit{group: step.Group, members: []string{step.Name}})
	}
	for ui := 1; ui < len(units); ui++ {
		for _, name := range units[ui].members {
			if len(p.deps[name]) == 0 {
				p.deps[name] = append([]string(nil), units[ui-1].members...)
			}
		}
	}

	// 传递闭包：依赖全部指向更早步骤，按定义顺序累积即可。
	closure := make(map[string]map[string]bool, len(p.order))
	for _, name := range p.order {
		set := make(map[string]bool)
		for _, dep := range p.deps[name] {
			set[dep] = true
			for inner := range closure[dep] {
				set[inner] = true
			}
		}
		closure[name] = set
	}

	// 模板引用：指向某步骤输出时，该步骤必须位于依赖闭包内。
	for _, name := range p.order {
		step := p.steps[name]
		refs, err := stepRefs(step)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("step %q has an invalid template", name))
		}
		for _, ref := range refs {
			if ref.Step == step.storeKey() {
				return nil, defErrorf("step %q references its own output", name)
			}
			if owner, exists := keyOwner[ref.Step]; exists && !closure[name][owner] {
				return nil, defErrorf("step %q references {%s} but does not depend on step %q", name, ref.String(), owner)
			}
			p.pins[ref.Step] = appendUnique(p.pins[ref.Step], name)
		}
	}
	for key := range p.pins {
		sort.Strings(p.pins[key])
	}
	return p, nil
}

// stepRefs 收集步骤所有模板位置（提示词、系统词、字符串参数）中的引用。
func stepRefs(step StepDef) ([]ctxstore.Ref, error) {
	var refs []ctxstore.Ref
	seen := make(map[ctxstore.Ref]bool)
	collect := func(template string) error {
		found, err := ctxstore.ExtractRefs(template)
		if err != nil {
			return err
		}
		for _, ref := range found {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
		return nil
	}
	if err := collect(step.Prompt); err != nil {
		return nil, err
	}
	if err := collect(step.System); err != nil {
		return nil, err
	}
	if err := walkStrings(step.Params, collect); err != nil {
		return nil, err
	}
	return refs, nil
}

// walkStrings 深度遍历参数树并对每个字符串值调用 visit。
func walkStrings(value any, visit func(string) error) error {
	switch v := value.(type) {
	case string:
		return visit(v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if err := walkStrings(v[key], visit); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := walkStrings(item, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateAction(step StepDef) error {
	action := step.Action
	if action == "" || action == ActionLLM {
		if strings.TrimSpace(step.Prompt) == "" {
			return defErrorf("step %q: llm steps require a prompt", step.Name)
		}
		return nil
	}
	if step.Stream {
		return defErrorf("step %q: streaming requires an llm action", step.Name)
	}
	plugin, method, ok := strings.Cut(action, ".")
	if !ok || plugin == "" || method == "" {
		return defErrorf("step %q: action %q must be %q or plugin.method", step.Name, action, ActionLLM)
	}
	return nil
}

// dependencyPolicy 返回步骤的依赖失败策略，默认跳过。
func dependencyPolicy(step StepDef) DependencyPolicy {
	if step.OnDependencyFailure == DependencyProceed {
		return DependencyProceed
	}
	return DependencySkip
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
