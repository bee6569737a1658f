// Command opctl sends one operator command to a running instance and exits
// with the command's exit code.
//
//	opctl risk
//	opctl trading off
//	opctl parameter set risk.max_var_pct 0.015
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type result struct {
	ExitCode int             `json:"exit_code"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
}

func main() {
	addr := flag.String("addr", envOr("CRYPTOPULL_ADDR", "http://localhost:8080"), "server base URL")
	timeout := flag.Duration("timeout", 5*time.Minute, "request timeout")
	showData := flag.Bool("data", false, "print the data payload as JSON")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <command> [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := send(ctx, *addr, os.Getenv("CRYPTOPULL_OPERATOR_TOKEN"), flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "opctl: %v\n", err)
		os.Exit(2)
	}

	out := os.Stdout
	if res.ExitCode != 0 {
		out = os.Stderr
	}
	if res.Code != "" && res.ExitCode != 0 {
		fmt.Fprintf(out, "[%s] ", res.Code)
	}
	fmt.Fprintln(out, res.Message)
	if *showData && len(res.Data) > 0 {
		var buf bytes.Buffer
		if json.Indent(&buf, res.Data, "", "  ") == nil {
			fmt.Fprintln(out, buf.String())
		}
	}
	os.Exit(res.ExitCode)
}

func send(ctx context.Context, addr, token string, args []string) (*result, error) {
	body, err := json.Marshal(map[string][]string{"args": args})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/commands", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var res result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	// Auth and validation failures come back in the API envelope, not as a
	// command result.
	if res.Message == "" && resp.StatusCode >= 400 {
		return &result{ExitCode: 1, Code: http.StatusText(resp.StatusCode), Message: string(raw)}, nil
	}
	return &res, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
