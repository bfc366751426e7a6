package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stagepool/pkg/api"

	"github.com/spf13/viper"
)

func TestEnvsCommand_Success(t *testing.T) {
	resetViper()

	expires := time.Now().Add(25 * time.Minute)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/environments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		resp := api.ListEnvironmentsResponse{
			Environments: []api.EnvironmentResponse{
				{
					ID:        "0c6e2a44-9f6f-4f5d-9f7a-6d0dfd1f3a11",
					Name:      "stage-ab12cd34",
					PoolState: "warm",
					Endpoint:  "http://stage-ab12cd34.stagepool.svc",
					CreatedAt: time.Now().Add(-time.Hour),
				},
				{
					ID:           "78b0f3d2-44cc-4b55-8b6e-2f9b8b8e2c22",
					Name:         "stage-ef56gh78",
					PoolState:    "serving",
					OwnerID:      "acme",
					Endpoint:     "http://stage-ef56gh78.stagepool.svc",
					CreatedAt:    time.Now().Add(-30 * time.Minute),
					TTLExpiresAt: &expires,
				},
			},
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"envs"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "stage-ab12cd34") {
		t.Errorf("expected warm environment in output, got: %s", output)
	}
	if !strings.Contains(output, "acme") {
		t.Errorf("expected owner in output, got: %s", output)
	}
	if !strings.Contains(output, "warm") || !strings.Contains(output, "serving") {
		t.Errorf("expected pool states in output, got: %s", output)
	}
}

func TestEnvsCommand_StateFilter(t *testing.T) {
	resetViper()

	var capturedState string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedState = r.URL.Query().Get("pool_state")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(api.ListEnvironmentsResponse{})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"envs", "--state", "warm"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if capturedState != "warm" {
		t.Errorf("expected pool_state=warm query, got: %s", capturedState)
	}
	if !strings.Contains(stdout.String(), "No environments found") {
		t.Errorf("expected empty message, got: %s", stdout.String())
	}
}

func TestCancelCommand_Pending(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/cancel") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"cancel", "job-123"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "cancelled") {
		t.Errorf("expected cancelled message, got: %s", stdout.String())
	}
}

func TestCancelCommand_Running(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"cancel", "job-456"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "next step") {
		t.Errorf("expected deferred cancellation message, got: %s", stdout.String())
	}
}
