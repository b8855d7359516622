package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Orchestra/sdk/go/orchestra"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orchestra.TokenPair{
			AccessToken: "demo-token",
			ExpiresIn:   900,
			TokenType:   "Bearer",
		})
	})
	mux.HandleFunc("/api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(orchestra.Workflow{
				ID:     "wf-demo",
				Name:   "daily-brief",
				Status: orchestra.StatusCompleted,
				Result: map[string]any{"polish": "Three incidents overnight, none urgent."},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/chains", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orchestra.ChainResult{
			ChainID: "chain-demo",
			Status:  "completed",
			Final: &orchestra.ChainStepResult{
				Name:   "polish",
				Result: "All quiet on the pipeline.",
			},
		})
	})
	mux.HandleFunc("/api/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := orchestra.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pair, err := client.Authenticate(ctx, "demo", "secret")
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated, access token expires in %ds\n", pair.ExpiresIn)

	wf, err := client.SubmitWorkflowSync(ctx, orchestra.WorkflowSubmission{
		Definition: orchestra.WorkflowDefinition{
			Name: "daily-brief",
			Steps: []orchestra.StepDefinition{
				{Name: "draft", Prompt: "Summarize the overnight incident reports."},
				{Name: "polish", Prompt: "Rewrite {draft.result} for the morning briefing.", DependsOn: []string{"draft"}},
			},
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("workflow %s finished with status=%s result=%v\n", wf.ID, wf.Status, wf.Result)

	answer, err := client.SolveChain(ctx, orchestra.ChainRequest{
		Session: "demo:briefing",
		Steps: []orchestra.ChainStep{
			{Name: "draft", Prompt: "List the open action items."},
			{Name: "polish", Prompt: "Condense {draft.result} into one line."},
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("chain %s final answer: %s\n", answer.ChainID, answer.Final.Result)

	if err := client.ClearSession(ctx, "demo:briefing"); err != nil {
		panic(err)
	}
	fmt.Println("session cleared")
}
