package deployments

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Record string            `yaml:"record"`
			Alert  string            `yaml:"alert"`
			Expr   string            `yaml:"expr"`
			Labels map[string]string `yaml:"labels"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

func TestGrafanaDashboardJSONIsValid(t *testing.T) {
	content := readAsset(t, "grafana", "querygen_dashboard.json")

	var decoded map[string]any
	if err := json.Unmarshal(content, &decoded); err != nil {
		t.Fatalf("dashboard JSON parse error: %v", err)
	}
	title, _ := decoded["title"].(string)
	if strings.TrimSpace(title) == "" {
		t.Fatal("dashboard title is required")
	}
	panels, ok := decoded["panels"].([]any)
	if !ok || len(panels) == 0 {
		t.Fatal("dashboard must include at least one panel")
	}
	assertKnownMetrics(t, string(content))
}

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	rules := parseRules(t, "querygen_rules.yaml")

	alerts := map[string]map[string]string{}
	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			if rule.Alert != "" {
				alerts[rule.Alert] = rule.Labels
			}
		}
	}
	for _, name := range []string{
		"QueryGenRunLatencyP95High",
		"QueryGenRunFailureRatioHigh",
		"QueryGenSandboxUnreachable",
		"QueryGenRelevanceDegraded",
		"QueryGenIndexerFailing",
		"QueryGenHTTPErrorRateHigh",
	} {
		labels, ok := alerts[name]
		if !ok {
			t.Fatalf("rules missing alert %q", name)
		}
		if labels["severity"] == "" || labels["service"] == "" {
			t.Fatalf("alert %q lacks severity or service labels: %#v", name, labels)
		}
	}
}

func TestPrometheusRecordingRulesFeedEveryAlert(t *testing.T) {
	recording := parseRules(t, "querygen_recording_rules.yaml")
	alerting := parseRules(t, "querygen_rules.yaml")

	records := map[string]bool{}
	for _, group := range recording.Groups {
		for _, rule := range group.Rules {
			if rule.Record == "" {
				t.Fatalf("recording group %q has a rule without record", group.Name)
			}
			records[rule.Record] = true
			assertKnownMetrics(t, rule.Expr)
		}
	}

	recordRef := regexp.MustCompile(`querygen:[a-z0-9_]+`)
	for _, group := range alerting.Groups {
		for _, rule := range group.Rules {
			for _, ref := range recordRef.FindAllString(rule.Expr, -1) {
				if !records[ref] {
					t.Fatalf("alert %q references unknown record %q", rule.Alert, ref)
				}
			}
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	var scrape struct {
		RuleFiles     []string `yaml:"rule_files"`
		ScrapeConfigs []struct {
			JobName     string `yaml:"job_name"`
			MetricsPath string `yaml:"metrics_path"`
		} `yaml:"scrape_configs"`
	}
	if err := yaml.Unmarshal(readAsset(t, "prometheus", "prometheus-scrape.example.yaml"), &scrape); err != nil {
		t.Fatalf("scrape example parse error: %v", err)
	}
	if strings.Join(scrape.RuleFiles, ",") != "querygen_recording_rules.yaml,querygen_rules.yaml" {
		t.Fatalf("rule_files = %v", scrape.RuleFiles)
	}
	if len(scrape.ScrapeConfigs) != 1 || scrape.ScrapeConfigs[0].JobName != "querygen-api" || scrape.ScrapeConfigs[0].MetricsPath != "/v1/metrics" {
		t.Fatalf("scrape_configs = %#v", scrape.ScrapeConfigs)
	}
}

func parseRules(t *testing.T, name string) ruleFile {
	t.Helper()
	var rules ruleFile
	if err := yaml.Unmarshal(readAsset(t, "prometheus", name), &rules); err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
	if len(rules.Groups) == 0 {
		t.Fatalf("%s has no rule groups", name)
	}
	return rules
}

// assertKnownMetrics fails when text references a querygen_ series that the
// observability package does not define.
func assertKnownMetrics(t *testing.T, text string) {
	t.Helper()
	defined := definedMetrics(t)
	series := regexp.MustCompile(`querygen_[a-z_]+`)
	for _, ref := range series.FindAllString(text, -1) {
		base := ref
		for _, suffix := range []string{"_bucket", "_sum", "_count"} {
			base = strings.TrimSuffix(base, suffix)
		}
		if !defined[base] {
			t.Fatalf("unknown metric %q", ref)
		}
	}
}

func definedMetrics(t *testing.T) map[string]bool {
	t.Helper()
	dir := filepath.Join(repoRoot(t), "internal", "observability")
	files, err := filepath.Glob(filepath.Join(dir, "*metrics.go"))
	if err != nil || len(files) == 0 {
		t.Fatalf("glob metrics sources: %v", err)
	}
	name := regexp.MustCompile(`Name:\s+"(querygen_[a-z_]+)"`)
	out := map[string]bool{}
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("read %s: %v", file, err)
		}
		for _, m := range name.FindAllStringSubmatch(string(content), -1) {
			out[m[1]] = true
		}
	}
	return out
}

func readAsset(t *testing.T, parts ...string) []byte {
	t.Helper()
	path := filepath.Join(append([]string{repoRoot(t), "deployments", "observability"}, parts...)...)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
