package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var adminEndpoints = map[string]string{
	"state":   http.MethodGet,
	"markers": http.MethodGet,
	"reload":  http.MethodPost,
}

func httpCmd(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	code, body, err := callAdmin(&http.Client{Timeout: 10 * time.Second}, *baseURL, name)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if code/100 != 2 {
		os.Exit(1)
	}
}

func callAdmin(cl *http.Client, baseURL, name string) (int, []byte, error) {
	method, ok := adminEndpoints[name]
	if !ok {
		return 0, nil, fmt.Errorf("unknown endpoint %q", name)
	}
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/admin/v1/" + name
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := cl.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}
