package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adaefler-art/codefactory-control/internal/api"
	"github.com/adaefler-art/codefactory-control/internal/auth"
	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/internal/playbook"
	"github.com/adaefler-art/codefactory-control/internal/policy"
)

const testToken = "test-token"

// newGateway serves the real API over an in-memory store.
func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	store := ledger.NewInMemoryStore()
	loaded, err := policy.Default()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if err := store.PutPolicySnapshot(loaded.Snapshot); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reg, err := playbook.NewCanonicalRegistry(playbook.Deps{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &api.Handler{
		Auth:         auth.NewDevTokenAuthenticator(testToken),
		Service:      api.NewService(store),
		Playbooks:    reg,
		Orchestrator: playbook.NewOrchestrator(store, playbook.WithRunStore(store)),
	}
	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"factoryctl"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeSignals(t *testing.T, reason string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.json")
	body := `[{"resourceType":"AWS::Lambda::Function","logicalId":"Api","statusReason":"` + reason + `"}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write signals: %v", err)
	}
	return path
}

func createVerdict(t *testing.T, addr string) string {
	t.Helper()
	signals := writeSignals(t, "Secrets Manager cannot find the specified secret.")
	code, stdout, stderr := runCLI(t, "verdict", "create", "--addr", addr, "--token", testToken,
		"--execution-id", "exec-1", "--signals", signals, "--json")
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	var v struct{ ID string }
	if err := json.Unmarshal([]byte(stdout), &v); err != nil || v.ID == "" {
		t.Fatalf("unexpected create output %q: %v", stdout, err)
	}
	return v.ID
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := runCLI(t)
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
	if !strings.Contains(stderr, "factoryctl") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}

	if code, _, _ := runCLI(t, "nope"); code != 2 {
		t.Fatalf("expected code 2 for unknown command, got %d", code)
	}
	if code, _, _ := runCLI(t, "gate", "--bogus"); code != 2 {
		t.Fatalf("expected code 2 for unknown flag, got %d", code)
	}
}

func TestVerdictCreateAndGet(t *testing.T) {
	srv := newGateway(t)
	signals := writeSignals(t, "Secrets Manager cannot find the specified secret.")

	code, stdout, stderr := runCLI(t, "verdict", "create", "--addr", srv.URL, "--token", testToken,
		"--execution-id", "exec-1", "--signals", signals)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "error_class=MISSING_SECRET") || !strings.Contains(stdout, "verdict_type=REJECTED") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}

	id := createVerdict(t, srv.URL)
	code, stdout, stderr = runCLI(t, "verdict", "get", id, "--addr", srv.URL, "--token", testToken)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "simple=RED") || !strings.Contains(stdout, "action=ABORT") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestVerdictCreateRequiresFlags(t *testing.T) {
	code, _, stderr := runCLI(t, "verdict", "create", "--execution-id", "e")
	if code != 2 || !strings.Contains(stderr, "--signals") {
		t.Fatalf("expected usage error, got %d %q", code, stderr)
	}
}

func TestVerdictUnauthorized(t *testing.T) {
	srv := newGateway(t)
	code, _, stderr := runCLI(t, "verdict", "get", "abc", "--addr", srv.URL, "--token", "wrong")
	if code != 1 || !strings.Contains(stderr, "verdict get failed") {
		t.Fatalf("expected failure, got %d %q", code, stderr)
	}
}

func TestGate(t *testing.T) {
	srv := newGateway(t)
	id := createVerdict(t, srv.URL)

	code, stdout, _ := runCLI(t, "gate", "--addr", srv.URL, "--token", testToken, "--verdict-id", id)
	if code != 1 || !strings.Contains(stdout, "allowed=false") {
		t.Fatalf("expected blocked gate, got %d %q", code, stdout)
	}

	code, stdout, _ = runCLI(t, "gate", "--addr", srv.URL, "--token", testToken, "--verdict-id", id, "--enforce")
	if code != 1 || !strings.Contains(stdout, "critical failure") {
		t.Fatalf("expected enforced block with reason, got %d %q", code, stdout)
	}

	code, stdout, _ = runCLI(t, "gate", "--addr", srv.URL, "--token", testToken, "--simple", "GREEN")
	if code != 0 || !strings.Contains(stdout, "allowed=true") || !strings.Contains(stdout, "action=ADVANCE") {
		t.Fatalf("expected GREEN to pass, got %d %q", code, stdout)
	}

	code, _, stderr := runCLI(t, "gate", "--simple", "GREEN", "--verdict-type", "APPROVED")
	if code != 2 || !strings.Contains(stderr, "exactly one") {
		t.Fatalf("expected usage error, got %d %q", code, stderr)
	}
}

func TestAuditAndConsistency(t *testing.T) {
	srv := newGateway(t)
	id := createVerdict(t, srv.URL)
	createVerdict(t, srv.URL)

	code, stdout, stderr := runCLI(t, "audit", "add", id, "--addr", srv.URL, "--token", testToken,
		"--event", "reviewed", "--data", "by=oncall")
	if code != 0 || !strings.Contains(stdout, "event_type=reviewed") {
		t.Fatalf("unexpected audit add: %d %q %q", code, stdout, stderr)
	}
	if code, _, _ := runCLI(t, "audit", "add", id, "--event", "reviewed", "--data", "novalue"); code != 2 {
		t.Fatalf("expected usage error for bad --data, got %d", code)
	}

	code, stdout, stderr = runCLI(t, "audit", id, "--addr", srv.URL, "--token", testToken)
	if code != 0 {
		t.Fatalf("expected compliant audit, got %d: %s %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "compliant=true") || !strings.Contains(stdout, "entries=2") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}

	code, stdout, stderr = runCLI(t, "consistency", "--addr", srv.URL, "--token", testToken, "--execution-id", "exec-1")
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "score=100 verdicts=2 groups=1 consistent=1") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestPlaybooksAndIncidentRun(t *testing.T) {
	srv := newGateway(t)

	code, stdout, stderr := runCLI(t, "playbooks", "--addr", srv.URL, "--token", testToken)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	for _, want := range []string{"redeploy-lkg@", "safe-retry-runner@", "service-health-reset@", "steps=snapshot_state,apply_reset"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("playbooks output missing %q: %q", want, stdout)
		}
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/incidents",
		strings.NewReader(`{"id":"inc-1","key":"svc:api","category":"service-unhealthy","environment":"prod"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create incident: %d", resp.StatusCode)
	}

	// No evidence, so the run aborts at the evidence gate.
	code, stdout, _ = runCLI(t, "incident", "run", "inc-1", "--addr", srv.URL, "--token", testToken)
	if code != 1 || !strings.Contains(stdout, "playbook=service-health-reset") || !strings.Contains(stdout, "status=ABORTED") {
		t.Fatalf("unexpected run output: %d %q", code, stdout)
	}
}

func TestIdemKey(t *testing.T) {
	args := []string{"idem-key", "--playbook", "service-health-reset", "--step", "apply_reset",
		"--incident-key", "svc:api", "--part", "cluster=prod", "--part", "service=api"}

	code, first, stderr := runCLI(t, append(args, "--hour", "2026-10-16T10:05:00Z")...)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	_, sameHour, _ := runCLI(t, append(args, "--hour", "2026-10-16T10:55:00Z")...)
	_, nextHour, _ := runCLI(t, append(args, "--hour", "2026-10-16T11:00:00Z")...)
	if first != sameHour {
		t.Fatalf("keys in the same hour differ: %q vs %q", first, sameHour)
	}
	if first == nextHour {
		t.Fatalf("keys in different hours collide: %q", first)
	}
	if !strings.HasPrefix(first, "service-health-reset:apply_reset:svc:api:") {
		t.Fatalf("unexpected key shape %q", first)
	}

	if code, _, _ := runCLI(t, "idem-key", "--playbook", "p"); code != 2 {
		t.Fatalf("expected usage error, got %d", code)
	}
	if code, _, _ := runCLI(t, append(args, "--hour", "yesterday")...); code != 2 {
		t.Fatalf("expected usage error for bad --hour, got %d", code)
	}
}

func TestPolicyLint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `id: p1
version: "1"
created_at: "2026-10-01T00:00:00Z"
fallback: {error_class: UNKNOWN, confidence: 0.4}
actions:
  UNKNOWN: HUMAN_REQUIRED
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, stdout, stderr := runCLI(t, "policy", "lint", path)
	if code != 0 || !strings.Contains(stdout, "ok policy_id=p1") {
		t.Fatalf("unexpected lint result %d %q %q", code, stdout, stderr)
	}

	if err := os.WriteFile(path, []byte("id: p1\nversion: \"1\"\nactions: {}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code, _, _ := runCLI(t, "policy", "lint", path); code != 1 {
		t.Fatalf("expected lint failure, got %d", code)
	}
	if code, _, _ := runCLI(t, "policy", "lint"); code != 2 {
		t.Fatalf("expected usage error, got %d", code)
	}
}

func TestServerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	code, _, stderr := runCLI(t, "consistency", "--addr", srv.URL)
	if code != 1 || !strings.Contains(stderr, "consistency failed") {
		t.Fatalf("unexpected result %d %q", code, stderr)
	}
}

func TestInvalidJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{invalid"))
	}))
	defer srv.Close()

	code, _, stderr := runCLI(t, "playbooks", "--addr", srv.URL)
	if code != 1 || !strings.Contains(stderr, "invalid response") {
		t.Fatalf("unexpected result %d %q", code, stderr)
	}
}

func TestMainExit(t *testing.T) {
	oldExit := exitFn
	oldArgs := os.Args
	defer func() {
		exitFn = oldExit
		os.Args = oldArgs
	}()

	got := -1
	exitFn = func(code int) { got = code }
	os.Args = []string{"factoryctl", "idem-key", "--playbook", "p", "--step", "s", "--incident-key", "k"}
	main()
	if got != 0 {
		t.Fatalf("expected exit 0, got %d", got)
	}
}
