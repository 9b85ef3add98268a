package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leadscore/leadscore/internal/config"
	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/model"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestAPIClient_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/jobs/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to contain '404'", err.Error())
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Type != "not_found" || apiErr.Message != "not found" {
		t.Errorf("err = %#v, want the server's error envelope", err)
	}
}

func TestJobsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/job-1": `{"id":"job-1","status":"completed","attempts":1}`,
	})
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })

	out, err := execute(t, "jobs", "job-1")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out, `"completed"`) {
		t.Errorf("output = %q, want job status", out)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/jobs/job-1" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4200
	cfg.Server.APIToken = "hidden"

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4200" {
			found = true
		}
		if k.Value == "hidden" {
			t.Errorf("ShowAll exposed secret key %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4200 in ShowAll output")
	}
}

func TestReadURLs(t *testing.T) {
	in := strings.NewReader("# prospects\nacme.io\n\nhttps://beta.dev/about\n   \n")
	urls, err := readURLs("-", in)
	if err != nil {
		t.Fatalf("readURLs: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("got %d urls, want 2: %v", len(urls), urls)
	}
	if !strings.HasPrefix(urls[0], "https://acme.io") {
		t.Errorf("urls[0] = %q, want normalized https URL", urls[0])
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" react, aws,,stripe ")
	if strings.Join(got, "|") != "react|aws|stripe" {
		t.Errorf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
}

// --- end to end against a temp data dir ---

// resetFlags restores every flag to its default so commands can be executed
// more than once in one process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("LEADSCORE_STORAGE_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("LEADSCORE_ANALYZER_BACKEND", "none")
	t.Setenv("LEADSCORE_LOG_LEVEL", "error")
	t.Setenv("LEADSCORE_SCORING_MODEL_VERSION", "")
	t.Setenv("LEADSCORE_SCORING_MODELS_DIR", "")
	return dir
}

const acmePage = `<html><head><title>Acme Analytics</title></head><body>
<h1>Acme Analytics</h1>
<p>Founded in 2015, our team of 120 engineers builds data tools for retailers.</p>
<p>We are hiring! Join us. Contact sales@acme.io</p>
</body></html>`

func writePage(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "acme.html")
	if err := os.WriteFile(path, []byte(acmePage), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScoreCommand_FileAndLeads(t *testing.T) {
	dir := setupEnv(t)
	page := writePage(t, dir)

	out, err := execute(t, "score", "https://acme.io", "--file", page, "--tech", "react,aws", "--json")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	var l lead.Lead
	if err := json.Unmarshal([]byte(out), &l); err != nil {
		t.Fatalf("decoding score output %q: %v", out, err)
	}
	if l.Key != "acme.io" {
		t.Errorf("key = %q, want acme.io", l.Key)
	}
	s, ok := l.LatestScore()
	if !ok || s.Score < 0 || s.Score > 1 {
		t.Errorf("latest score = %+v (ok=%v), want probability", s, ok)
	}

	out, err = execute(t, "leads", "list", "--json")
	if err != nil {
		t.Fatalf("leads list: %v", err)
	}
	var leads []lead.Lead
	if err := json.Unmarshal([]byte(out), &leads); err != nil {
		t.Fatalf("decoding list %q: %v", out, err)
	}
	if len(leads) != 1 || leads[0].Key != "acme.io" {
		t.Fatalf("leads = %+v, want only acme.io", leads)
	}

	out, err = execute(t, "leads", "compose", "acme.io")
	if err != nil {
		t.Fatalf("leads compose: %v", err)
	}
	if !strings.Contains(out, "Subject:") {
		t.Errorf("compose output = %q, want a subject line", out)
	}

	if _, err := execute(t, "leads", "delete", "https://acme.io/"); err != nil {
		t.Fatalf("leads delete: %v", err)
	}
	if _, err := execute(t, "leads", "show", "acme.io"); err == nil {
		t.Error("show after delete should fail")
	}
}

func TestScoreCommand_RescoreAppendsHistory(t *testing.T) {
	dir := setupEnv(t)
	page := writePage(t, dir)

	for i := 0; i < 2; i++ {
		if _, err := execute(t, "score", "acme.io", "--file", page); err != nil {
			t.Fatalf("score #%d: %v", i+1, err)
		}
	}
	out, err := execute(t, "leads", "show", "acme.io", "--json")
	if err != nil {
		t.Fatalf("leads show: %v", err)
	}
	var l lead.Lead
	if err := json.Unmarshal([]byte(out), &l); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if len(l.Scores) != 2 {
		t.Errorf("scores = %d, want 2", len(l.Scores))
	}
}

func TestLeadsFiltersExportAndOutreach(t *testing.T) {
	dir := setupEnv(t)
	page := writePage(t, dir)

	if _, err := execute(t, "score", "https://acme.io", "--file", page, "--tech", "React,aws"); err != nil {
		t.Fatalf("score: %v", err)
	}

	listKeys := func(args ...string) []string {
		t.Helper()
		out, err := execute(t, append([]string{"leads", "list", "--json"}, args...)...)
		if err != nil {
			t.Fatalf("leads list %v: %v", args, err)
		}
		var leads []lead.Lead
		if err := json.Unmarshal([]byte(out), &leads); err != nil {
			t.Fatalf("decoding %q: %v", out, err)
		}
		var keys []string
		for _, l := range leads {
			keys = append(keys, l.Key)
		}
		return keys
	}
	if got := listKeys("--tech", "react"); len(got) != 1 {
		t.Errorf("--tech react = %v, want acme.io", got)
	}
	if got := listKeys("--tech", "react,go"); len(got) != 0 {
		t.Errorf("--tech react,go = %v, want none", got)
	}
	if _, err := execute(t, "leads", "list", "--outreach", "bounced"); err == nil {
		t.Error("expected error for unknown --outreach status")
	}

	if _, err := execute(t, "leads", "mark", "acme.io", "sent"); err == nil {
		t.Error("marking before compose should fail")
	}
	if _, err := execute(t, "leads", "compose", "acme.io"); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if got := listKeys("--outreach", "pending"); len(got) != 1 {
		t.Errorf("--outreach pending = %v", got)
	}
	if _, err := execute(t, "leads", "mark", "acme.io", "scheduled"); err == nil {
		t.Error("scheduling without --send-at should fail")
	}
	if _, err := execute(t, "leads", "mark", "acme.io", "scheduled", "--send-at", "2026-11-02T09:00:00Z"); err != nil {
		t.Fatalf("mark scheduled: %v", err)
	}
	if _, err := execute(t, "leads", "mark", "acme.io", "sent"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := execute(t, "leads", "mark", "acme.io", "pending"); err == nil {
		t.Error("moving a sent message back to pending should fail")
	}
	if got := listKeys("--outreach", "sent"); len(got) != 1 {
		t.Errorf("--outreach sent = %v", got)
	}

	out, err := execute(t, "leads", "export", "--output", "-")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(out, "key,url,") || !strings.Contains(out, "acme.io") || !strings.Contains(out, "aws;react") {
		t.Errorf("export = %q", out)
	}

	csvPath := filepath.Join(dir, "leads.csv")
	if _, err := execute(t, "leads", "export", "--output", csvPath, "--tech", "go"); err != nil {
		t.Fatalf("export to file: %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 1 {
		t.Errorf("filtered export has %d lines, want header only", len(lines))
	}

	if _, err := execute(t, "leads", "mark", "acme.io", "replied"); err != nil {
		t.Fatalf("mark replied: %v", err)
	}
	out, err = execute(t, "leads", "outreach")
	if err != nil {
		t.Fatalf("outreach: %v", err)
	}
	if !strings.Contains(out, "reply rate: 100.0%") {
		t.Errorf("outreach = %q, want full reply rate", out)
	}
}

func TestLeadsList_BadSort(t *testing.T) {
	setupEnv(t)
	if _, err := execute(t, "leads", "list", "--sort", "alphabetical"); err == nil {
		t.Error("expected error for unknown sort")
	}
}

func TestTrainCommand_Synthetic(t *testing.T) {
	dir := setupEnv(t)
	export := filepath.Join(dir, "synthetic.csv")

	_, err := execute(t, "train", "--synthetic", "400", "--trees", "10", "--version", "v-test",
		"--min-f1", "0", "--export-synthetic", export)
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	modelsDir := filepath.Join(dir, "data", "models")
	a, err := model.Load(modelsDir, "v-test")
	if err != nil {
		t.Fatalf("loading trained model: %v", err)
	}
	if len(a.Trees) != 10 {
		t.Errorf("trees = %d, want 10", len(a.Trees))
	}
	if _, err := os.Stat(export); err != nil {
		t.Errorf("synthetic export missing: %v", err)
	}

	out, err := execute(t, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "v-test") {
		t.Errorf("models output = %q, want v-test", out)
	}

	// Retraining from the exported CSV must produce a second version.
	if _, err := execute(t, "train", "--data", export, "--trees", "5", "--version", "v-csv", "--min-f1", "0"); err != nil {
		t.Fatalf("train --data: %v", err)
	}
	all, err := model.List(modelsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("models = %d, want 2", len(all))
	}
}

func TestTrainCommand_RequiresOneSource(t *testing.T) {
	setupEnv(t)
	if _, err := execute(t, "train"); err == nil {
		t.Error("expected error without --data or --synthetic")
	}
	if _, err := execute(t, "train", "--data", "x.csv", "--synthetic", "10"); err == nil {
		t.Error("expected error with both --data and --synthetic")
	}
}

func TestTrainCommand_NotEligible(t *testing.T) {
	dir := setupEnv(t)
	_, err := execute(t, "train", "--synthetic", "200", "--trees", "3", "--version", "v-strict", "--min-f1", "1")
	if err == nil {
		t.Skip("synthetic data reached perfect F1")
	}
	if _, statErr := os.Stat(model.Path(filepath.Join(dir, "data", "models"), "v-strict")); !os.IsNotExist(statErr) {
		t.Errorf("ineligible model was saved (stat err %v)", statErr)
	}
}

func TestConfigSetAndShow(t *testing.T) {
	setupEnv(t)
	if _, err := execute(t, "config", "set", "pipeline.workers", "7"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	out, err := execute(t, "config", "show", "--no-color")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "pipeline.workers = 7") {
		t.Errorf("show output missing pipeline.workers = 7:\n%s", out)
	}
	if _, err := execute(t, "config", "set", "nope.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestPIDFile(t *testing.T) {
	p := pidFileIn(filepath.Join(t.TempDir(), "nested"))
	if err := p.write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := p.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	p.remove()
	if _, err := p.read(); err == nil {
		t.Error("read after remove should fail")
	}
}
