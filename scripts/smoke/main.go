// Manual smoke client for a running gateway. Signs request bodies the same
// way production callers do, so you can poke the signed routes without hand
// computing HMAC headers in curl.
//
// Examples:
//
//	go run ./scripts/smoke -mode health
//	EDI_AUTH_SECRET=s3cret go run ./scripts/smoke -mode ask -message "what broke?"
//	EDI_AUTH_SECRET=s3cret go run ./scripts/smoke -mode dispatch -agent codex -message "run the linter"
//	EDI_AUTH_SECRET=s3cret go run ./scripts/smoke -mode cancel -task 1a2b3c4d
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/edisys/edigw/internal/auth"
)

var (
	baseURL  = flag.String("url", "http://127.0.0.1:19001", "Gateway base URL")
	mode     = flag.String("mode", "health", "One of: health, tasks, thread, ask, dispatch, cancel")
	message  = flag.String("message", "", "Message body for ask/dispatch")
	threadID = flag.String("thread", "", "Thread id")
	agent    = flag.String("agent", "codex", "Agent for dispatch")
	taskID   = flag.String("task", "", "Task id for cancel")
	timeout  = flag.Int("timeout", 0, "Timeout seconds (0 = server default)")
	workdir  = flag.String("workdir", "", "Workdir for dispatch")
)

func main() {
	flag.Parse()

	switch *mode {
	case "health":
		get("/health")
	case "tasks":
		get("/tasks")
	case "thread":
		if *threadID == "" {
			fmt.Println("thread mode needs -thread")
			os.Exit(1)
		}
		get("/thread/" + *threadID)
	case "ask":
		payload := map[string]interface{}{"message": *message}
		if *threadID != "" {
			payload["threadId"] = *threadID
		}
		if *timeout > 0 {
			payload["timeoutSeconds"] = *timeout
		}
		post("/ask", payload)
	case "dispatch":
		payload := map[string]interface{}{"message": *message, "agent": *agent}
		if *threadID != "" {
			payload["threadId"] = *threadID
		}
		if *timeout > 0 {
			payload["timeoutSeconds"] = *timeout
		}
		if *workdir != "" {
			payload["workdir"] = *workdir
		}
		post("/dispatch", payload)
	case "cancel":
		if *taskID == "" {
			fmt.Println("cancel mode needs -task")
			os.Exit(1)
		}
		post("/tasks/"+*taskID+"/cancel", map[string]interface{}{})
	default:
		fmt.Printf("Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

func get(path string) {
	resp, err := http.Get(*baseURL + path)
	if err != nil {
		fmt.Printf("GET %s failed: %v\n", path, err)
		os.Exit(1)
	}
	dump(resp)
}

func post(path string, payload map[string]interface{}) {
	body, err := auth.Canonicalize(payload)
	if err != nil {
		fmt.Printf("canonicalize failed: %v\n", err)
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodPost, *baseURL+path, bytes.NewReader(body))
	if err != nil {
		fmt.Printf("build request failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")

	// Same resolution order as the server: env var, then the secret file.
	verifier := auth.NewHMACVerifier(auth.SecretSource{Env: "EDI_AUTH_SECRET", File: "/etc/edi/secret"}, 0)
	if verifier.Enabled() {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := verifier.Sign(payload, ts)
		if err != nil {
			fmt.Printf("sign failed: %v\n", err)
			os.Exit(1)
		}
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderSignature, sig)
	} else {
		fmt.Println("(no secret resolved, sending unsigned)")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("POST %s failed: %v\n", path, err)
		os.Exit(1)
	}
	dump(resp)
}

func dump(resp *http.Response) {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n%s\n", resp.Status, bytes.TrimSpace(body))
}
