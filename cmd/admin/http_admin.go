package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultServerURL = "http://127.0.0.1:8080"

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	_ = fs.Parse(args)

	os.Exit(callAdmin(http.MethodGet, adminURL(*baseURL, "/admin/v1/state", nil), 5*time.Second))
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	_ = fs.Parse(args)

	os.Exit(callAdmin(http.MethodPost, adminURL(*baseURL, "/admin/v1/snapshot", nil), 10*time.Second))
}

// liveCharacter asks a running server for its current copy of a document.
func liveCharacter(baseURL, id string) int {
	return callAdmin(http.MethodGet, adminURL(baseURL, "/admin/v1/characters", url.Values{"id": {id}}), 5*time.Second)
}

func adminURL(base, path string, q url.Values) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// callAdmin prints the response body and returns the process exit code.
func callAdmin(method, u string, timeout time.Duration) int {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 2
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return 1
	}
	return 0
}
