// Command acectl is an operator CLI against the Control API HTTP surface.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	server := envOr("ACECTL_SERVER", "http://127.0.0.1:8080")
	token := os.Getenv("ACECTL_TOKEN")
	client := resty.New().SetBaseURL(server).SetTimeout(10 * time.Second)
	if token != "" {
		client.SetAuthToken(token)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "grant":
		fs := flag.NewFlagSet("grant", flag.ExitOnError)
		mac := fs.String("mac", "", "client MAC")
		ip := fs.String("ip", "", "client IP")
		duration := fs.Int("duration", 0, "duration in seconds (0 = profile default)")
		authMethod := fs.String("auth-method", "", "auth method")
		_ = fs.Parse(args)
		post(client, "/api/v1/sessions", map[string]any{
			"mac": *mac, "ip": *ip, "duration_sec": *duration, "auth_method": *authMethod,
		})
	case "revoke":
		fs := flag.NewFlagSet("revoke", flag.ExitOnError)
		reason := fs.String("reason", "ADMIN", "revoke reason")
		id := requireIDArg(fs, args)
		post(client, "/api/v1/sessions/"+id+"/revoke", map[string]any{"reason": *reason})
	case "force-disconnect":
		fs := flag.NewFlagSet("force-disconnect", flag.ExitOnError)
		reason := fs.String("reason", "ADMIN", "revoke reason")
		operator := fs.String("operator", "acectl", "operator id")
		id := requireIDArg(fs, args)
		post(client, "/api/v1/sessions/"+id+"/force-disconnect", map[string]any{"reason": *reason, "operator_id": *operator})
	case "extend":
		fs := flag.NewFlagSet("extend", flag.ExitOnError)
		additional := fs.Int("seconds", 3600, "additional seconds")
		id := requireIDArg(fs, args)
		post(client, "/api/v1/sessions/"+id+"/extend", map[string]any{"additional_sec": *additional})
	case "sessions":
		get(client, "/api/v1/sessions")
	case "bindings":
		get(client, "/api/v1/bindings")
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		mac := fs.String("mac", "", "client MAC")
		ip := fs.String("ip", "", "client IP")
		_ = fs.Parse(args)
		get(client, fmt.Sprintf("/api/v1/validate?mac=%s&ip=%s", *mac, *ip))
	case "snapshot":
		fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
		backend := fs.String("backend", "L3", "enforcer backend plane (L2 or L3)")
		_ = fs.Parse(args)
		get(client, "/api/v1/rules/"+*backend+"/snapshot")
	case "cleanup":
		post(client, "/api/v1/cleanup", nil)
	case "policy":
		get(client, "/api/v1/policy/runtime")
	default:
		usage()
		os.Exit(1)
	}
}

func get(c *resty.Client, path string) {
	resp, err := c.R().Get(path)
	printResponse(resp, err)
}

func post(c *resty.Client, path string, body any) {
	req := c.R()
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	printResponse(resp, err)
}

func printResponse(resp *resty.Response, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	var pretty map[string]any
	if jsonErr := json.Unmarshal(resp.Body(), &pretty); jsonErr == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(resp.Body()))
	}
	if resp.IsError() {
		os.Exit(1)
	}
}

func requireIDArg(fs *flag.FlagSet, args []string) string {
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "missing session id")
		os.Exit(1)
	}
	return rest[0]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintln(os.Stderr, `acectl <command> [flags] [args]

commands:
  grant -mac MAC -ip IP [-duration N] [-auth-method M]
  revoke [-reason R] <session-id>
  force-disconnect [-reason R] [-operator OP] <session-id>
  extend [-seconds N] <session-id>
  sessions
  bindings
  validate -mac MAC -ip IP
  snapshot [-backend L2|L3]
  cleanup
  policy

env:
  ACECTL_SERVER  base URL (default http://127.0.0.1:8080)
  ACECTL_TOKEN   operator bearer token`)
}
