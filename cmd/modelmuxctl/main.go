// modelmuxctl speaks the modelmux admin API from the terminal.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("modelmuxctl %s\n", version)
	case "admin-token":
		doAdminToken()
	case "rotate-admin-token":
		doRotateAdminToken()
	case "status":
		doStatus()
	case "model", "models":
		doModels()
	case "decision", "decisions":
		doDecisions(args)
	case "cooldown", "cooldowns":
		doCooldowns(args)
	case "slo":
		doSLO()
	case "health":
		doHealth()
	case "stats":
		doStats()
	case "artifact":
		doArtifact(args)
	case "config":
		doConfig()
	case "audit":
		doAudit(args)
	case "events":
		doEvents()
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `modelmuxctl - CLI for the modelmux admin API

Usage: modelmuxctl <command> [arguments]

Environment:
  MODELMUX_URL          Base URL (default: http://localhost:8080)
  MODELMUX_ADMIN_TOKEN  Bearer token for admin endpoints

Commands:
  admin-token                   Print the admin token (env or local file)
  rotate-admin-token            Rotate the admin token
  status                        Show instance summary
  models                        List the model catalog
  decisions [--limit N]         Show recent routing decisions
            [--bucket B] [--provider P]
  cooldowns                     List active cool-downs
  cooldowns clear <key>         Clear one cool-down early
  slo                           Show the SLO gate report
  health                        Show per-provider health stats
  stats                         Show rolling-window aggregates
  artifact                      Show the live tuning artifact
  artifact reload               Trigger an artifact reload
  config                        Show the running config (redacted)
  audit [--limit N]             Show admin audit entries
  events                        Stream real-time SSE events

  version                       Show version
  help                          Show this help

Examples:
  modelmuxctl status
  modelmuxctl decisions --limit 20 --bucket hard
  modelmuxctl cooldowns clear 9f86d081884c7d65
  modelmuxctl artifact reload
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("MODELMUX_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func adminToken() string {
	return os.Getenv("MODELMUX_ADMIN_TOKEN")
}

func doRequest(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, nil)
	if err != nil {
		return nil, err
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	// The SLO endpoint answers 503 with a full report when unhealthy, so
	// error out only on auth and client-side failures.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

func parseFlag(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// --- Commands ---

func doAdminToken() {
	if tok := adminToken(); tok != "" {
		fmt.Println(tok)
		return
	}
	// Local token file written by the server on first start.
	for _, path := range []string{"data/.admin-token", "/data/.admin-token"} {
		if data, err := os.ReadFile(path); err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				fmt.Println(tok)
				return
			}
		}
	}
	fmt.Fprintln(os.Stderr, "admin token not found; set MODELMUX_ADMIN_TOKEN or check the data dir")
	os.Exit(1)
}

func doRotateAdminToken() {
	resp, err := doRequest("POST", "/admin/v1/admin-token/rotate")
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	result := readJSON(resp)
	token, _ := result["token"].(string)
	if result["ok"] != true || token == "" {
		fmt.Fprintln(os.Stderr, "rotation failed:", result)
		os.Exit(1)
	}
	fmt.Println("Admin token rotated.")
	fmt.Println("New token:", token)
}

func doStatus() {
	info := doGet("/admin/v1/status")

	fmt.Printf("Server:            %s\n", baseURL())
	fmt.Printf("Catalog models:    %s (%v)\n", fmtNum(info["catalog_models"]), info["catalog_source"])
	fmt.Printf("Artifact version:  %v\n", info["artifact_version"])
	fmt.Printf("Fingerprint:       %v\n", info["artifact_fingerprint"])
	fmt.Printf("Cool-downs live:   %s\n", fmtNum(info["cooldowns_live"]))
	fmt.Printf("Records in window: %s\n", fmtNum(info["records"]))
	if plugins, ok := info["plugins"].([]any); ok && len(plugins) > 0 {
		names := make([]string, 0, len(plugins))
		for _, p := range plugins {
			names = append(names, fmt.Sprintf("%v", p))
		}
		fmt.Printf("Plugins:           %s\n", strings.Join(names, ", "))
	}
}

func doModels() {
	data := doGet("/admin/v1/catalog")
	models, _ := data["models"].([]any)
	if len(models) == 0 {
		fmt.Println("No models in catalog.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SLUG\tPROVIDER\tFAMILY\tCTX IN\tIN $/M\tOUT $/M")
	for _, m := range models {
		mm, _ := m.(map[string]any)
		slug, _ := mm["slug"].(string)
		provider, _ := mm["provider"].(string)
		family, _ := mm["family"].(string)
		ctxIn := fmtNum(mm["ctx_in"])
		inPrice, outPrice := "-", "-"
		if p, ok := mm["pricing"].(map[string]any); ok {
			inPrice = fmtNum(p["in_per_million"])
			outPrice = fmtNum(p["out_per_million"])
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", slug, provider, family, ctxIn, inPrice, outPrice)
	}
	_ = tw.Flush()
	fmt.Printf("\nSource: %v, fetched %s\n", data["source"], fmtTime(data["fetched_at"]))
}

func doDecisions(args []string) {
	path := fmt.Sprintf("/admin/v1/decisions?limit=%d", parseLimit(args))
	if b := parseFlag(args, "--bucket"); b != "" {
		path += "&bucket=" + b
	}
	if p := parseFlag(args, "--provider"); p != "" {
		path += "&provider=" + p
	}
	data := doGet(path)
	rows, _ := data["decisions"].([]any)
	if len(rows) == 0 {
		fmt.Println("No decisions logged.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tBUCKET\tMODEL\tPROVIDER\tOK\tLATENCY\tCOST\tFALLBACK")
	for _, r := range rows {
		m, _ := r.(map[string]any)
		ok := "yes"
		if m["success"] == false {
			ok = "no"
		}
		if m["denied"] == true {
			ok = "denied"
		}
		fallback := "-"
		if m["fallback_used"] == true {
			fallback, _ = m["fallback_reason"].(string)
			if fallback == "" {
				fallback = "yes"
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%v\t%v\t%s\t%s\t%s\t%s\n",
			fmtTime(m["timestamp"]), m["bucket"], m["model"], m["provider"],
			ok, fmtDuration(m["latency_ms"]), fmtCost(m["cost_usd"]), fallback)
	}
	_ = tw.Flush()
}

func doCooldowns(args []string) {
	if len(args) > 0 && args[0] == "clear" {
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: modelmuxctl cooldowns clear <key>")
			os.Exit(1)
		}
		resp, err := doRequest("DELETE", "/admin/v1/cooldowns/"+args[1])
		fatal(err)
		defer func() { _ = resp.Body.Close() }()
		readJSON(resp)
		fmt.Println("Cool-down cleared.")
		return
	}

	data := doGet("/admin/v1/cooldowns")
	entries, _ := data["cooldowns"].([]any)
	if len(entries) == 0 {
		fmt.Println("No active cool-downs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tKIND\tEXPIRES")
	for _, e := range entries {
		m, _ := e.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%s\n", m["key"], m["kind"], fmtTime(m["expires_at"]))
	}
	_ = tw.Flush()
}

func doSLO() {
	report := doGet("/admin/v1/slo")
	healthy := "HEALTHY"
	if report["healthy"] == false {
		healthy = "BREACHED"
	}
	fmt.Printf("SLO %s  (window %v, %s requests)\n\n", healthy, report["window"], fmtNum(report["request_count"]))

	gates, _ := report["gates"].([]any)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "GATE\tVALUE\tTHRESHOLD\tBLOCKING\tPASS")
	for _, g := range gates {
		m, _ := g.(map[string]any)
		blocking := "no"
		if m["blocking"] == true {
			blocking = "yes"
		}
		pass := "ok"
		if m["pass"] == false {
			pass = "FAIL"
		}
		_, _ = fmt.Fprintf(tw, "%v\t%s\t%s\t%s\t%s\n", m["name"], fmtNum(m["value"]), fmtNum(m["threshold"]), blocking, pass)
	}
	_ = tw.Flush()

	if report["healthy"] == false {
		os.Exit(1)
	}
}

func doHealth() {
	data := doGet("/admin/v1/health")
	providers, _ := data["items"].([]any)
	if len(providers) == 0 {
		fmt.Println("No provider health data available.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tREQUESTS\tCONSEC_ERR\tAVG LATENCY\tLAST SUCCESS\tLAST ERROR")
	for _, p := range providers {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		lastErr, _ := m["last_error"].(string)
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%s\t%s\t%s\t%s\t%s\n",
			m["provider"], m["state"], fmtNum(m["total_requests"]), fmtNum(m["consec_errors"]),
			fmtDuration(m["avg_latency_ms"]), fmtTime(m["last_success_at"]), lastErr)
	}
	_ = tw.Flush()
}

func doStats() {
	data := doGet("/admin/v1/stats")
	fmt.Println(prettyJSON(data))
}

func doArtifact(args []string) {
	if len(args) > 0 && args[0] == "reload" {
		resp, err := doRequest("POST", "/admin/v1/artifact/reload")
		fatal(err)
		defer func() { _ = resp.Body.Close() }()
		result := readJSON(resp)
		if result["swapped"] == true {
			fmt.Printf("Artifact swapped to version %v.\n", result["version"])
		} else {
			fmt.Println("Artifact unchanged.")
		}
		return
	}

	info := doGet("/admin/v1/artifact")
	fmt.Printf("Version:     %v\n", info["version"])
	fmt.Printf("Fingerprint: %v\n", info["fingerprint"])
	fmt.Printf("Clusters:    %s\n", fmtNum(info["clusters"]))
	fmt.Printf("Dim:         %s\n", fmtNum(info["dim"]))
}

func doConfig() {
	fmt.Println(prettyJSON(doGet("/admin/v1/config")))
}

func doAudit(args []string) {
	data := doGet(fmt.Sprintf("/admin/v1/audit?limit=%d", parseLimit(args)))
	entries, _ := data["audit"].([]any)
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tDETAIL")
	for _, e := range entries {
		m, _ := e.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%v\t%v\n", fmtTime(m["timestamp"]), m["action"], m["resource"], m["detail"])
	}
	_ = tw.Flush()
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events")
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt map[string]any
				if json.Unmarshal([]byte(payload), &evt) != nil {
					continue
				}
				evtType, _ := evt["type"].(string)
				ts := time.Now().Format("15:04:05")
				switch evtType {
				case "route_error":
					fmt.Printf("[%s] %s  model=%v provider=%v kind=%v error=%v\n",
						ts, evtType, evt["model"], evt["provider"], evt["error_kind"], evt["error_msg"])
				case "cooldown_set":
					fmt.Printf("[%s] %s  user=%v expires=%s\n",
						ts, evtType, evt["user_key"], fmtTime(evt["expires_at"]))
				case "artifact_swap":
					fmt.Printf("[%s] %s  version=%v\n", ts, evtType, evt["artifact_version"])
				default:
					fmt.Printf("[%s] %s  bucket=%v model=%v provider=%v latency=%s reason=%v\n",
						ts, evtType, evt["bucket"], evt["model"], evt["provider"],
						fmtDuration(evt["latency_ms"]), evt["reason"])
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func init() {
	http.DefaultClient.Timeout = 30 * time.Second
}
