package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":"conversation not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

func withTestClient(t *testing.T, ts *testServer) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func TestListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/conversations": `[{"id":"conv_abc","jobPosition":"SRE","company":"Acme","messageCount":4}]`,
	})
	withTestClient(t, ts)

	rootCmd.SetArgs([]string{"list"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if r := ts.requests[0]; r.Method != "GET" || r.Path != "/api/conversations" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
}

func TestShowCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/conversations/conv_abc": `{"id":"conv_abc","jobPosition":"SRE"}`,
	})
	withTestClient(t, ts)

	rootCmd.SetArgs([]string{"show", "conv_abc"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("show failed: %v", err)
	}

	if r := ts.requests[0]; r.Path != "/api/conversations/conv_abc" {
		t.Errorf("path = %q", r.Path)
	}
}

func TestShowCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	withTestClient(t, ts)

	rootCmd.SetArgs([]string{"show", "conv_missing"})
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown conversation")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want it to mention 404", err)
	}
}

func TestDeleteCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /api/conversations/conv_abc": `{"success":true}`,
	})
	withTestClient(t, ts)

	rootCmd.SetArgs([]string{"delete", "conv_abc"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if r := ts.requests[0]; r.Method != "DELETE" || r.Path != "/api/conversations/conv_abc" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
}

func TestDecodeJSON_ErrorBody(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := ts.client().get("/api/conversations/conv_x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected decode error for 404 response")
	}
	if !strings.Contains(err.Error(), "conversation not found") {
		t.Errorf("error = %v, want server message included", err)
	}
}
