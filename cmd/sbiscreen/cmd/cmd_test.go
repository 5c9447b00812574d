package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/auth"
	"github.com/consultant-1379/sc-envoy-sub001/internal/reselect"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("sbiscreen %s failed: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCheckConfig(t *testing.T) {
	out := run(t, "check-config", filepath.Join("..", "..", "..", "configs", "filter.yaml"))
	for _, want := range []string{`"sepp_edge" is valid`, "node type:    sepp", "external, internal", "kvt entries:  1"} {
		if !strings.Contains(out, want) {
			t.Errorf("check-config output missing %q:\n%s", want, out)
		}
	}
}

func TestReselectPlan(t *testing.T) {
	out := run(t, "reselect-plan", "--topology", filepath.Join("..", "..", "..", "configs", "topology.yaml"))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "TRY") {
		t.Fatalf("unexpected plan output:\n%s", out)
	}
	if !strings.Contains(lines[1], "udm1.example.com:443") || !strings.Contains(lines[1], "first") {
		t.Errorf("first attempt = %q", lines[1])
	}
}

func TestPrintPlan(t *testing.T) {
	var out bytes.Buffer
	attempts := []reselect.Attempt{
		{Host: reselect.Host{Address: "a:443", Cluster: "pool"}, Failed: true},
		{Host: reselect.Host{Address: "a:443", Cluster: "pool"}, Preferred: true, Failed: true},
		{Host: reselect.Host{Address: "b:443", Cluster: "pool"}, Priority: 1},
	}
	decisions := map[reselect.Outcome]int{reselect.OutcomeAdvanced: 1}
	if err := printPlan(&out, attempts, decisions); err != nil {
		t.Fatalf("printPlan() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), out.String())
	}
	for i, want := range []string{"first", "preferred", "reselect"} {
		if !strings.Contains(lines[i+1], want) {
			t.Errorf("line %d = %q, want kind %s", i+1, lines[i+1], want)
		}
	}
	if !strings.Contains(lines[1], "failed") || !strings.Contains(lines[3], "ok") {
		t.Errorf("unexpected results:\n%s", out.String())
	}
	if lines[4] != "advanced decisions: 1" {
		t.Errorf("summary = %q", lines[4])
	}
}

func TestMigrateAndKvt(t *testing.T) {
	url := "sqlite://" + filepath.Join(t.TempDir(), "cli.db")

	out := run(t, "migrate", "up", "--db-url", url)
	if !strings.Contains(out, "applied 001_initial_schema.sql") {
		t.Errorf("migrate up output:\n%s", out)
	}
	if out := run(t, "migrate", "up", "--db-url", url); !strings.Contains(out, "up to date") {
		t.Errorf("second migrate up output:\n%s", out)
	}
	if out := run(t, "migrate", "status", "--db-url", url); strings.Contains(out, "pending") {
		t.Errorf("migrate status shows pending migrations:\n%s", out)
	}

	run(t, "kvt", "put", "regions", "imsi-1", "region-a", "--db-url", url)
	run(t, "kvt", "put", "regions", "imsi-2", "region-b", "--db-url", url)
	run(t, "kvt", "delete", "regions", "imsi-2", "--db-url", url)

	out = run(t, "kvt", "list", "regions", "--db-url", url)
	if !strings.Contains(out, "region-a") {
		t.Errorf("kvt list missing entry:\n%s", out)
	}
	if strings.Contains(out, "region-b") {
		t.Errorf("kvt list shows deleted entry:\n%s", out)
	}
}

func TestGenAPIKey(t *testing.T) {
	key := strings.TrimSpace(run(t, "gen-api-key"))
	if _, _, err := auth.ParseAPIKey(key); err != nil {
		t.Errorf("generated key %q does not parse: %v", key, err)
	}
}
