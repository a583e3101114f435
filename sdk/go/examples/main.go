package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Aetherra-Core/sdk/go/aetherra"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(aetherra.Job{
			ID:        "job-demo",
			Name:      "summarize",
			Status:    "pending",
			CreatedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("/status/job-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aetherra.Job{
			ID:     "job-demo",
			Name:   "summarize",
			Status: "completed",
			Output: map[string]any{"summary": "three plugins ran"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := aetherra.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := client.Run(ctx, aetherra.RunRequest{Script: "summarize", Parameters: map[string]any{"depth": 2}})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s (status=%s)\n", job.ID, job.Status)

	final, err := client.WaitForJob(ctx, job.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished with status=%s output=%v\n", final.ID, final.Status, final.Output)
}
