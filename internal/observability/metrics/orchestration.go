package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type stepKey struct {
	provider string
	result   string
}

type orchestrationCollector struct {
	mu           sync.Mutex
	submitted    uint64
	finished     map[string]uint64
	steps        map[stepKey]uint64
	stepRetries  uint64
	stepDuration map[string]*histogram
	pluginFails  map[string]uint64
	chainSolves  map[string]uint64
}

var orchCollector = &orchestrationCollector{
	finished:     make(map[string]uint64),
	steps:        make(map[stepKey]uint64),
	stepDuration: make(map[string]*histogram),
	pluginFails:  make(map[string]uint64),
	chainSolves:  make(map[string]uint64),
}

// WorkflowSubmitted counts an accepted workflow submission.
func WorkflowSubmitted() {
	orchCollector.mu.Lock()
	orchCollector.submitted++
	orchCollector.mu.Unlock()
}

// WorkflowFinished counts a workflow reaching a terminal status.
func WorkflowFinished(status string) {
	orchCollector.mu.Lock()
	orchCollector.finished[status]++
	orchCollector.mu.Unlock()
}

// StepExecuted counts a finished step execution and its attempt latency.
func StepExecuted(provider, result string, duration time.Duration) {
	if provider == "" {
		provider = "default"
	}
	orchCollector.mu.Lock()
	defer orchCollector.mu.Unlock()
	orchCollector.steps[stepKey{provider: provider, result: result}]++
	hist := orchCollector.stepDuration[provider]
	if hist == nil {
		hist = newHistogram()
		orchCollector.stepDuration[provider] = hist
	}
	hist.observe(duration.Seconds())
}

// StepRetried counts a scheduled step retry.
func StepRetried() {
	orchCollector.mu.Lock()
	orchCollector.stepRetries++
	orchCollector.mu.Unlock()
}

// PluginFailure counts a step failure attributed to a plugin.
func PluginFailure(plugin string) {
	if plugin == "" {
		plugin = "unknown"
	}
	orchCollector.mu.Lock()
	orchCollector.pluginFails[plugin]++
	orchCollector.mu.Unlock()
}

// ChainSolved counts a chain-of-thought run by outcome.
func ChainSolved(status string) {
	orchCollector.mu.Lock()
	orchCollector.chainSolves[status]++
	orchCollector.mu.Unlock()
}

func (c *orchestrationCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP openmcp_workflows_submitted_total Total number of workflow submissions accepted.\n")
	builder.WriteString("# TYPE openmcp_workflows_submitted_total counter\n")
	builder.WriteString(fmt.Sprintf("openmcp_workflows_submitted_total %d\n", c.submitted))

	builder.WriteString("# HELP openmcp_workflows_finished_total Total number of workflows that reached a terminal status.\n")
	builder.WriteString("# TYPE openmcp_workflows_finished_total counter\n")
	for _, status := range sortedKeys(c.finished) {
		builder.WriteString(fmt.Sprintf("openmcp_workflows_finished_total{status=\"%s\"} %d\n",
			escape(status), c.finished[status]))
	}

	builder.WriteString("# HELP openmcp_workflow_steps_total Total number of finished workflow step executions.\n")
	builder.WriteString("# TYPE openmcp_workflow_steps_total counter\n")
	stepKeys := make([]stepKey, 0, len(c.steps))
	for key := range c.steps {
		stepKeys = append(stepKeys, key)
	}
	sort.Slice(stepKeys, func(i, j int) bool {
		if stepKeys[i].provider == stepKeys[j].provider {
			return stepKeys[i].result < stepKeys[j].result
		}
		return stepKeys[i].provider < stepKeys[j].provider
	})
	for _, key := range stepKeys {
		builder.WriteString(fmt.Sprintf("openmcp_workflow_steps_total{provider=\"%s\",result=\"%s\"} %d\n",
			escape(key.provider), escape(key.result), c.steps[key]))
	}

	builder.WriteString("# HELP openmcp_workflow_step_retries_total Total number of step retries scheduled.\n")
	builder.WriteString("# TYPE openmcp_workflow_step_retries_total counter\n")
	builder.WriteString(fmt.Sprintf("openmcp_workflow_step_retries_total %d\n", c.stepRetries))

	builder.WriteString("# HELP openmcp_workflow_step_duration_seconds Step attempt duration in seconds.\n")
	builder.WriteString("# TYPE openmcp_workflow_step_duration_seconds histogram\n")
	for _, provider := range sortedHistogramKeys(c.stepDuration) {
		hist := c.stepDuration[provider]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("openmcp_workflow_step_duration_seconds_bucket{provider=\"%s\",le=\"%s\"} %d\n",
				escape(provider), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("openmcp_workflow_step_duration_seconds_bucket{provider=\"%s\",le=\"+Inf\"} %d\n",
			escape(provider), hist.count))
		builder.WriteString(fmt.Sprintf("openmcp_workflow_step_duration_seconds_sum{provider=\"%s\"} %s\n",
			escape(provider), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("openmcp_workflow_step_duration_seconds_count{provider=\"%s\"} %d\n",
			escape(provider), hist.count))
	}

	builder.WriteString("# HELP openmcp_plugin_failures_total Total number of step failures attributed to plugins.\n")
	builder.WriteString("# TYPE openmcp_plugin_failures_total counter\n")
	for _, plugin := range sortedKeys(c.pluginFails) {
		builder.WriteString(fmt.Sprintf("openmcp_plugin_failures_total{plugin=\"%s\"} %d\n",
			escape(plugin), c.pluginFails[plugin]))
	}

	builder.WriteString("# HELP openmcp_chain_solves_total Total number of chain-of-thought runs by outcome.\n")
	builder.WriteString("# TYPE openmcp_chain_solves_total counter\n")
	for _, status := range sortedKeys(c.chainSolves) {
		builder.WriteString(fmt.Sprintf("openmcp_chain_solves_total{status=\"%s\"} %d\n",
			escape(status), c.chainSolves[status]))
	}

	return builder.String()
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedHistogramKeys(values map[string]*histogram) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
