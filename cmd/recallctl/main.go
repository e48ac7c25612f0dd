// recallctl is the operator CLI for a running recall server: interactive
// chat, memory inspection, and a scripted long-conversation demo.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	userID    string
)

func main() {
	root := &cobra.Command{
		Use:           "recallctl",
		Short:         "Operator CLI for the recall memory service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "recall server base URL")
	root.PersistentFlags().StringVar(&userID, "user", "cli-user", "user id for memory operations")

	root.AddCommand(chatCmd(), factsCmd(), episodesCmd(), retrieveCmd(), demoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func chatCmd() *cobra.Command {
	var showBundle bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session (reads lines from stdin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Printf("chatting as %s (ctrl-d to exit)\n", userID)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				reply, latency, err := sendChat(line, showBundle)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				fmt.Printf("%s  (%dms)\n", reply.Text, latency.Milliseconds())
				if showBundle && len(reply.Bundle) > 0 {
					var pretty bytes.Buffer
					_ = json.Indent(&pretty, reply.Bundle, "", "  ")
					fmt.Println(pretty.String())
				}
			}
		},
	}
	cmd.Flags().BoolVar(&showBundle, "bundle", false, "print the retrieved context bundle with each reply")
	return cmd
}

func factsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List the user's active facts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getJSON("/v1/memory/facts?user_id=" + url.QueryEscape(userID))
		},
	}
	forget := &cobra.Command{
		Use:   "forget <category> <key>",
		Short: "Deactivate one fact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{
				"user_id":  userID,
				"category": args[0],
				"key":      args[1],
			})
			req, err := http.NewRequest(http.MethodDelete, serverURL+"/v1/memory/facts", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			return doAndPrint(req)
		},
	}
	cmd.AddCommand(forget)
	return cmd
}

func episodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "episodes",
		Short: "List the user's recent episodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getJSON("/v1/memory/episodes?user_id=" + url.QueryEscape(userID))
		},
	}
}

func retrieveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Show the context bundle a query would retrieve",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{
				"user_id": userID,
				"query":   strings.Join(args, " "),
			})
			req, err := http.NewRequest(http.MethodPost, serverURL+"/v1/memory/retrieve", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			return doAndPrint(req)
		},
	}
}

// demoTurns establishes facts, fills the buffer past several compaction
// triggers, then asks recall questions whose answers should come back from
// structured facts rather than the resident window.
var demoTurns = []string{
	"Hi, my name is Alex",
	"I'm located in San Francisco, Pacific timezone",
	"I'm a software engineer working on AI systems",
	"I love Python and prefer type hints in all my code",
	"Always use black for code formatting with line length 100",
	"I prefer pytest for testing Python code",
	"I use FastAPI for building APIs",
	"I'm working on a hackathon project about long-term memory for chatbots",
	"We're using PostgreSQL with pgvector",
	"The challenge is keeping latency under 500ms",
	"Can you help me understand how vector databases work?",
	"What are the best practices for prompt engineering?",
	"How do you handle context windows in long conversations?",
	"Tell me about embedding models",
	"How do you measure retrieval quality?",
	"How do you scale vector search to millions of documents?",
	"Tell me about HNSW indexes",
	"What's the trade-off between accuracy and speed?",
	"How do you handle versioning of embeddings?",
	"Let's shift topics and talk about system design",
	"How do you design for high availability?",
	"What about cache invalidation strategies?",
	"How do you handle distributed transactions?",
	"What monitoring tools do you recommend?",
	"How do you handle logging in distributed systems?",
	"Quick question - what's my name?",
	"What programming language do I prefer?",
	"What's my code formatting preference?",
	"What am I working on currently?",
	"What's the latency target for my project?",
}

var recallChecks = map[string][]string{
	"what's my name":                {"alex"},
	"language do i prefer":          {"python"},
	"code formatting preference":    {"black", "100"},
	"working on currently":          {"hackathon", "memory", "chatbot"},
	"latency target for my project": {"500"},
}

func demoCmd() *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted conversation that exercises compaction and recall",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Printf("running %d turns as %s against %s\n\n", len(demoTurns), userID, serverURL)

			var latencies []time.Duration
			passed, failed := 0, 0

			for i, msg := range demoTurns {
				fmt.Printf("[%d/%d] user: %s\n", i+1, len(demoTurns), msg)
				reply, latency, err := sendChat(msg, false)
				if err != nil {
					fmt.Fprintf(os.Stderr, "  error: %v\n", err)
					continue
				}
				latencies = append(latencies, latency)

				preview := reply.Text
				if len(preview) > 120 {
					preview = preview[:120] + "..."
				}
				fmt.Printf("  assistant: %s (%dms)\n", preview, latency.Milliseconds())

				if expected, ok := matchCheck(msg); ok {
					if containsAny(reply.Text, expected) {
						passed++
						fmt.Println("  recall: ok")
					} else {
						failed++
						fmt.Printf("  recall: MISS (wanted one of %v)\n", expected)
					}
				}
				time.Sleep(delay)
			}

			fmt.Printf("\nrecall checks: %d passed, %d failed\n", passed, failed)
			if len(latencies) > 0 {
				var total time.Duration
				max := latencies[0]
				for _, l := range latencies {
					total += l
					if l > max {
						max = l
					}
				}
				fmt.Printf("latency: avg %dms, max %dms over %d turns\n",
					(total / time.Duration(len(latencies))).Milliseconds(), max.Milliseconds(), len(latencies))
			}
			return getJSON("/v1/memory/facts?user_id=" + url.QueryEscape(userID))
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "pause between turns")
	return cmd
}

func matchCheck(msg string) ([]string, bool) {
	lower := strings.ToLower(msg)
	for needle, expected := range recallChecks {
		if strings.Contains(lower, needle) {
			return expected, true
		}
	}
	return nil, false
}

func containsAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

type chatReply struct {
	Text   string          `json:"reply"`
	Bundle json.RawMessage `json:"bundle,omitempty"`
}

func sendChat(message string, includeBundle bool) (chatReply, time.Duration, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID, "message": message})
	target := serverURL + "/v1/chat"
	if includeBundle {
		target += "?include_bundle=true"
	}

	start := time.Now()
	res, err := http.Post(target, "application/json", bytes.NewReader(body))
	if err != nil {
		return chatReply{}, 0, err
	}
	defer res.Body.Close()
	latency := time.Since(start)

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return chatReply{}, latency, err
	}
	if res.StatusCode != http.StatusOK {
		return chatReply{}, latency, fmt.Errorf("http %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	var reply chatReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return chatReply{}, latency, err
	}
	return reply, latency, nil
}

func getJSON(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return doAndPrint(req)
}

func doAndPrint(req *http.Request) error {
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("http %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(raw)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
