package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adaefler-art/codefactory-control/internal/playbook"
	"github.com/adaefler-art/codefactory-control/internal/policy"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// exitError carries a specific exit code out of a subcommand.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func usageErr(format string, args ...any) error {
	return &exitError{code: 2, msg: fmt.Sprintf(format, args...)}
}

type client struct {
	addr  string
	token string
	http  *http.Client
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)

	if len(args) == 0 {
		fmt.Fprint(stderr, root.UsageString())
		return 2
	}
	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(stderr, ee.msg)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, err.Error())
	if strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	c := &client{http: http.DefaultClient}
	var jsonOut bool

	root := &cobra.Command{
		Use:           "factoryctl",
		Short:         "Factory control CLI: verdicts, deployment gate, audit and playbooks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErr("%v", err)
	})
	root.PersistentFlags().StringVar(&c.addr, "addr", envOrDefault("FACTORY_ADDR", defaultAddr), "gateway address")
	root.PersistentFlags().StringVar(&c.token, "token", envOrDefault("FACTORY_TOKEN", os.Getenv("FACTORY_DEV_TOKEN")), "bearer token")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON response")

	root.AddCommand(
		verdictCmd(c, stdout, &jsonOut),
		gateCmd(c, stdout, &jsonOut),
		auditCmd(c, stdout, &jsonOut),
		consistencyCmd(c, stdout, &jsonOut),
		playbooksCmd(c, stdout, &jsonOut),
		incidentCmd(c, stdout, &jsonOut),
		idemKeyCmd(stdout),
		policyCmd(stdout),
	)
	return root
}

func verdictCmd(c *client, stdout io.Writer, jsonOut *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "verdict", Short: "Create and inspect verdicts"}

	var (
		executionID, policyID, signalsPath, idemKey string
		locked                                      bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Generate a verdict from a JSON file of failure signals",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if executionID == "" || signalsPath == "" {
				return usageErr("verdict create requires --execution-id and --signals")
			}
			// #nosec G304 -- operator-provided input file.
			raw, err := os.ReadFile(signalsPath)
			if err != nil {
				return err
			}
			var signals []map[string]any
			if err := json.Unmarshal(raw, &signals); err != nil {
				return fmt.Errorf("signals file: %w", err)
			}
			body := map[string]any{"execution_id": executionID, "signals": signals}
			if policyID != "" {
				body["policy_snapshot_id"] = policyID
			}
			if locked {
				body["locked"] = true
			}
			headers := map[string]string{}
			if idemKey != "" {
				headers["Idempotency-Key"] = idemKey
			}
			respBody, status, err := c.do(http.MethodPost, "/v1/verdicts", body, headers)
			if err != nil {
				return err
			}
			if status != http.StatusCreated && status != http.StatusOK {
				return failed("verdict create", respBody)
			}
			if *jsonOut {
				_, _ = stdout.Write(respBody)
				return nil
			}
			var v struct {
				ID              string `json:"id"`
				ErrorClass      string `json:"error_class"`
				ConfidenceScore int    `json:"confidence_score"`
				VerdictType     string `json:"verdict_type"`
				ProposedAction  string `json:"proposed_action"`
			}
			if err := json.Unmarshal(respBody, &v); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			fmt.Fprintf(stdout, "id=%s error_class=%s confidence=%d verdict_type=%s action=%s\n",
				v.ID, v.ErrorClass, v.ConfidenceScore, v.VerdictType, v.ProposedAction)
			return nil
		},
	}
	create.Flags().StringVar(&executionID, "execution-id", "", "pipeline execution id")
	create.Flags().StringVar(&policyID, "policy", "", "policy snapshot id (default latest)")
	create.Flags().StringVar(&signalsPath, "signals", "", "path to a JSON array of failure signals")
	create.Flags().StringVar(&idemKey, "idempotency-key", "", "replay-safe request key")
	create.Flags().BoolVar(&locked, "locked", false, "deployment lock is active")

	get := &cobra.Command{
		Use:   "get <verdict_id>",
		Short: "Show a verdict with its policy version and simple verdict",
		Args:  exactArgs(1, "verdict get requires <verdict_id>"),
		RunE: func(_ *cobra.Command, args []string) error {
			respBody, status, err := c.do(http.MethodGet, "/v1/verdicts/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return failed("verdict get", respBody)
			}
			if *jsonOut {
				_, _ = stdout.Write(respBody)
				return nil
			}
			var payload struct {
				Verdict struct {
					ID          string `json:"id"`
					ErrorClass  string `json:"error_class"`
					VerdictType string `json:"verdict_type"`
				} `json:"verdict"`
				PolicyVersion string `json:"policy_version"`
				SimpleVerdict string `json:"simple_verdict"`
				Action        string `json:"action"`
			}
			if err := json.Unmarshal(respBody, &payload); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			fmt.Fprintf(stdout, "id=%s error_class=%s verdict_type=%s simple=%s action=%s policy_version=%s\n",
				payload.Verdict.ID, payload.Verdict.ErrorClass, payload.Verdict.VerdictType,
				payload.SimpleVerdict, payload.Action, payload.PolicyVersion)
			return nil
		},
	}

	cmd.AddCommand(create, get)
	return cmd
}

func gateCmd(c *client, stdout io.Writer, jsonOut *bool) *cobra.Command {
	var verdictID, verdictType, simple string
	var enforce bool
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Ask the deployment gate; exits 1 when deployment is blocked",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			body := map[string]any{}
			if verdictID != "" {
				body["verdict_id"] = verdictID
			}
			if verdictType != "" {
				body["verdict_type"] = verdictType
			}
			if simple != "" {
				body["simple_verdict"] = simple
			}
			if len(body) != 1 {
				return usageErr("gate requires exactly one of --verdict-id, --verdict-type, --simple")
			}
			if enforce {
				body["enforce"] = true
			}
			respBody, status, err := c.do(http.MethodPost, "/v1/gate", body, nil)
			if err != nil {
				return err
			}
			if *jsonOut {
				_, _ = stdout.Write(respBody)
			}
			var res struct {
				Allowed bool   `json:"allowed"`
				Verdict string `json:"verdict"`
				Action  string `json:"action"`
				Reason  string `json:"reason"`
			}
			switch status {
			case http.StatusOK:
				if err := json.Unmarshal(respBody, &res); err != nil {
					return fmt.Errorf("invalid response: %w", err)
				}
			case http.StatusConflict:
				var blocked struct {
					Result json.RawMessage `json:"result"`
				}
				if err := json.Unmarshal(respBody, &blocked); err != nil {
					return fmt.Errorf("invalid response: %w", err)
				}
				if err := json.Unmarshal(blocked.Result, &res); err != nil {
					return fmt.Errorf("invalid response: %w", err)
				}
			default:
				return failed("gate", respBody)
			}
			if !*jsonOut {
				fmt.Fprintf(stdout, "allowed=%t verdict=%s action=%s reason=%q\n", res.Allowed, res.Verdict, res.Action, res.Reason)
			}
			if !res.Allowed {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&verdictID, "verdict-id", "", "stored verdict id")
	cmd.Flags().StringVar(&verdictType, "verdict-type", "", "verdict type, e.g. APPROVED")
	cmd.Flags().StringVar(&simple, "simple", "", "simple verdict: GREEN, RED, HOLD, RETRY")
	cmd.Flags().BoolVar(&enforce, "enforce", false, "treat a blocked result as an error response")
	return cmd
}

func auditCmd(c *client, stdout io.Writer, jsonOut *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <verdict_id>",
		Short: "Audit a verdict against its policy snapshot; exits 1 when non-compliant",
		Args:  exactArgs(1, "audit requires <verdict_id>"),
		RunE: func(_ *cobra.Command, args []string) error {
			respBody, status, err := c.do(http.MethodGet, "/v1/verdicts/"+url.PathEscape(args[0])+"/audit", nil, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return failed("audit", respBody)
			}
			var payload struct {
				Report struct {
					VerdictID string   `json:"verdict_id"`
					Compliant bool     `json:"compliant"`
					Issues    []string `json:"issues"`
				} `json:"report"`
				Entries []json.RawMessage `json:"entries"`
			}
			if err := json.Unmarshal(respBody, &payload); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			if *jsonOut {
				_, _ = stdout.Write(respBody)
			} else {
				fmt.Fprintf(stdout, "compliant=%t verdict_id=%s entries=%d\n", payload.Report.Compliant, payload.Report.VerdictID, len(payload.Entries))
				for _, issue := range payload.Report.Issues {
					fmt.Fprintf(stdout, "issue: %s\n", issue)
				}
			}
			if !payload.Report.Compliant {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	var event string
	var data []string
	add := &cobra.Command{
		Use:   "add <verdict_id>",
		Short: "Append a reviewed, overridden or archived event",
		Args:  exactArgs(1, "audit add requires <verdict_id>"),
		RunE: func(_ *cobra.Command, args []string) error {
			if event == "" {
				return usageErr("audit add requires --event")
			}
			eventData, err := parsePairs(data)
			if err != nil {
				return usageErr("%v", err)
			}
			body := map[string]any{"event_type": event}
			if len(eventData) > 0 {
				body["event_data"] = eventData
			}
			respBody, status, err := c.do(http.MethodPost, "/v1/verdicts/"+url.PathEscape(args[0])+"/audit", body, nil)
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return failed("audit add", respBody)
			}
			if *jsonOut {
				_, _ = stdout.Write(respBody)
				return nil
			}
			var entry struct {
				ID        string `json:"id"`
				EventType string `json:"event_type"`
			}
			if err := json.Unmarshal(respBody, &entry); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			fmt.Fprintf(stdout, "appended id=%s event_type=%s\n", entry.ID, entry.EventType)
			return nil
		},
	}
	add.Flags().StringVar(&event, "event", "", "event type: reviewed, overridden, archived")
	add.Flags().StringArrayVar(&data, "data", nil, "event data as key=value (repeatable)")
	cmd.AddCommand(add)
	return cmd
}

func consistencyCmd(c *client, stdout io.Writer, jsonOut *bool) *cobra.Command {
	var executionID, fingerprintID, errorClass, policyID string
	var limit int
	cmd := &cobra.Command{
		Use:   "consistency",
		Short: "Report how consistently equal fingerprints produced equal verdicts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{
				"execution_id":       executionID,
				"fingerprint_id":     fingerprintID,
				"error_class":        errorClass,
				"policy_snapshot_id": policyID,
			} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/v1/consistency"
			if enc := q.Encode(); enc != "" {
				path += "?" + enc
			}
			respBody, status, err := c.do(http.MethodGet, path, nil, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return failed("consistency", respBody)
			}
			if *jsonOut {
				_, _ = stdout.Write(respBody)
				return nil
			}
			var m struct {
				TotalVerdicts    int      `json:"total_verdicts"`
				TotalGroups      int      `json:"total_groups"`
				ConsistentGroups int      `json:"consistent_groups"`
				ConsistencyScore int      `json:"consistency_score"`
				Inconsistent     []string `json:"inconsistent_fingerprints"`
			}
			if err := json.Unmarshal(respBody, &m); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			fmt.Fprintf(stdout, "score=%d verdicts=%d groups=%d consistent=%d\n", m.ConsistencyScore, m.TotalVerdicts, m.TotalGroups, m.ConsistentGroups)
			for _, fp := range m.Inconsistent {
				fmt.Fprintf(stdout, "inconsistent: %s\n", fp)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&executionID, "execution-id", "", "filter by execution id")
	cmd.Flags().StringVar(&fingerprintID, "fingerprint", "", "filter by fingerprint id")
	cmd.Flags().StringVar(&errorClass, "error-class", "", "filter by error class")
	cmd.Flags().StringVar(&policyID, "policy", "", "filter by policy snapshot id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum verdicts to consider")
	return cmd
}

func playbooksCmd(c *client, stdout io.Writer, jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "playbooks",
		Short: "List registered remediation playbooks",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			respBody, status, err := c.do(http.MethodGet, "/v1/playbooks", nil, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return failed("playbooks", respBody)
			}
			if *jsonOut {
				_, _ = stdout.Write(respBody)
				return nil
			}
			var payload struct {
				Playbooks []playbook.Definition `json:"playbooks"`
			}
			if err := json.Unmarshal(respBody, &payload); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			for _, d := range payload.Playbooks {
				steps := make([]string, 0, len(d.Steps))
				for _, s := range d.Steps {
					steps = append(steps, s.StepID)
				}
				fmt.Fprintf(stdout, "%s@%s categories=%s steps=%s\n", d.ID, d.Version,
					strings.Join(d.ApplicableCategories, ","), strings.Join(steps, ","))
			}
			return nil
		},
	}
}

func incidentCmd(c *client, stdout io.Writer, jsonOut *bool) *cobra.Command {
	cmd := &cobra.Command{Use: "incident", Short: "Run remediation playbooks against incidents"}

	var playbookID, version string
	runCmd := &cobra.Command{
		Use:   "run <incident_id>",
		Short: "Execute a playbook; exits 1 unless the run completes",
		Args:  exactArgs(1, "incident run requires <incident_id>"),
		RunE: func(_ *cobra.Command, args []string) error {
			body := map[string]any{}
			if playbookID != "" {
				body["playbook_id"] = playbookID
			}
			if version != "" {
				body["version"] = version
			}
			respBody, status, err := c.do(http.MethodPost, "/v1/incidents/"+url.PathEscape(args[0])+"/runs", body, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return failed("incident run", respBody)
			}
			var r playbook.Run
			if err := json.Unmarshal(respBody, &r); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			if *jsonOut {
				_, _ = stdout.Write(respBody)
			} else {
				fmt.Fprintf(stdout, "run=%s playbook=%s@%s status=%s\n", r.ID, r.PlaybookID, r.PlaybookVersion, r.Status)
				for _, s := range r.Steps {
					line := fmt.Sprintf("  %s %s", s.StepID, s.Status)
					if s.Result.Error != nil {
						line += " " + string(s.Result.Error.Code)
					}
					fmt.Fprintln(stdout, line)
				}
			}
			if r.Status != playbook.RunCompleted {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&playbookID, "playbook", "", "playbook id (default: chosen by incident category)")
	runCmd.Flags().StringVar(&version, "version", "", "semver constraint, e.g. ^2")
	cmd.AddCommand(runCmd)
	return cmd
}

func idemKeyCmd(stdout io.Writer) *cobra.Command {
	var playbookID, stepID, incidentKey, hour string
	var parts []string
	cmd := &cobra.Command{
		Use:   "idem-key",
		Short: "Compute a playbook step idempotency key offline",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if playbookID == "" || stepID == "" || incidentKey == "" {
				return usageErr("idem-key requires --playbook, --step and --incident-key")
			}
			pairs, err := parsePairs(parts)
			if err != nil {
				return usageErr("%v", err)
			}
			keyParts := make(map[string]any, len(pairs)+1)
			for k, v := range pairs {
				keyParts[k] = v
			}
			if hour != "" {
				t, err := time.Parse(time.RFC3339, hour)
				if err != nil {
					return usageErr("--hour must be RFC3339: %v", err)
				}
				keyParts["hour"] = playbook.HourBucket(t)
			}
			fmt.Fprintln(stdout, playbook.Key(playbookID, stepID, incidentKey, keyParts))
			return nil
		},
	}
	cmd.Flags().StringVar(&playbookID, "playbook", "", "playbook id")
	cmd.Flags().StringVar(&stepID, "step", "", "step id")
	cmd.Flags().StringVar(&incidentKey, "incident-key", "", "incident key")
	cmd.Flags().StringArrayVar(&parts, "part", nil, "key part as key=value (repeatable)")
	cmd.Flags().StringVar(&hour, "hour", "", "timestamp folded into an hourly bucket")
	return cmd
}

func policyCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Policy snapshot tools"}
	lint := &cobra.Command{
		Use:   "lint <policy_path>",
		Short: "Validate a policy snapshot and print its hash",
		Args:  exactArgs(1, "policy lint requires <policy_path>"),
		RunE: func(_ *cobra.Command, args []string) error {
			loaded, err := policy.LoadSnapshot(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "ok policy_id=%s version=%s policy_hash=%s rules=%d\n",
				loaded.Snapshot.ID, loaded.Snapshot.Version, loaded.Snapshot.Hash, len(loaded.Snapshot.Rules))
			return nil
		},
	}
	cmd.AddCommand(lint)
	return cmd
}

func (c *client) do(method, path string, body any, headers map[string]string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.addr, "/")+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func failed(what string, body []byte) error {
	return fmt.Errorf("%s failed: %s", what, strings.TrimSpace(string(body)))
}

func exactArgs(n int, msg string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErr("%s", msg)
		}
		return nil
	}
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
