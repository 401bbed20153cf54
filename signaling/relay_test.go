package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opd-ai/peerlink/crypto"
)

func testJWK(t *testing.T) crypto.PublicKeyJWK {
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	return identity.ExchangePublicJWK()
}

func newTestRelay(t *testing.T, handler http.Handler) (*RelayClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewRelayClient(server.URL, 5*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to create relay client: %v", err)
	}
	return client, server
}

func TestRelayClient_Register(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("Expected a request ID header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	}))

	err := client.Register(context.Background(), "a1b2", testJWK(t))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if gotPath != "/register" {
		t.Errorf("Expected /register, got %s", gotPath)
	}
	if string(gotBody["userId"]) != `"a1b2"` {
		t.Errorf("Unexpected userId field: %s", gotBody["userId"])
	}
	if _, ok := gotBody["publicKey"]; !ok {
		t.Error("Expected a publicKey field")
	}
}

func TestRelayClient_RelayReportedError(t *testing.T) {
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Success: false, Error: "unknown user"})
	}))

	err := client.Heartbeat(context.Background(), "missing")
	if err == nil {
		t.Fatal("Expected an error for success=false")
	}
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		t.Fatalf("Expected a RelayError, got %T: %v", err, err)
	}
	if relayErr.Action != "heartbeat" || relayErr.Message != "unknown user" {
		t.Errorf("Unexpected relay error: %+v", relayErr)
	}
	if IsClean(err) {
		t.Error("A relay-reported error is not a clean cancellation")
	}
}

func TestRelayClient_HTTPStatusError(t *testing.T) {
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	if err := client.Heartbeat(context.Background(), "u"); err == nil {
		t.Fatal("Expected an error for a non-200 status")
	}
}

func TestRelayClient_MalformedResponse(t *testing.T) {
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))

	if err := client.Heartbeat(context.Background(), "u"); err == nil {
		t.Fatal("Expected an error for a malformed response body")
	}
}

func TestRelayClient_PollReturnsEventsInOrder(t *testing.T) {
	events := []Event{
		{Type: EventInvite, From: "alice", To: "bob", Payload: json.RawMessage(`{"fromName":"Alice"}`)},
		{Type: EventMessage, From: "alice", To: "bob", Payload: json.RawMessage(`{"messageId":"m1"}`)},
	}
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}
		if got := r.URL.Query().Get("userId"); got != "bob" {
			t.Errorf("Expected userId=bob, got %q", got)
		}
		data, _ := json.Marshal(events)
		json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
	}))

	got, err := client.Poll(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventInvite || got[1].Type != EventMessage {
		t.Errorf("Events out of order: %v, %v", got[0].Type, got[1].Type)
	}
}

func TestRelayClient_PollEmptyData(t *testing.T) {
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	}))

	got, err := client.Poll(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no events, got %d", len(got))
	}
}

func TestRelayClient_PollOutlivesRequestTimeout(t *testing.T) {
	// A long poll legitimately stays open past the per-action request
	// timeout; only the poll window bounds it.
	events := []Event{{Type: EventMessage, From: "alice", To: "bob"}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		data, _ := json.Marshal(events)
		json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
	}))
	defer server.Close()

	client, err := NewRelayClient(server.URL, 50*time.Millisecond, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to create relay client: %v", err)
	}

	got, err := client.Poll(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Poll must stay open for the poll window, got: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected 1 event, got %d", len(got))
	}
}

func TestRelayClient_QuietPollWindowIsNotAFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A quiet relay: hold the poll open until the client gives up.
		<-r.Context().Done()
	}))
	defer server.Close()

	client, err := NewRelayClient(server.URL, 50*time.Millisecond, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create relay client: %v", err)
	}

	got, err := client.Poll(context.Background(), "bob")
	if err != nil {
		t.Fatalf("An elapsed quiet poll window is not a failure, got: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no events, got %d", len(got))
	}
}

func TestRelayClient_PostHonorsRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect;
		// with an unread POST body the request context is never
		// canceled and server.Close hangs forever.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client, err := NewRelayClient(server.URL, 100*time.Millisecond, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to create relay client: %v", err)
	}

	start := time.Now()
	err = client.Heartbeat(context.Background(), "u")
	if err == nil {
		t.Fatal("Expected a hung post to time out")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Post took %v, expected the request timeout to bound it", elapsed)
	}
	if IsClean(err) {
		t.Error("A request timeout is a transport failure, not a clean stop")
	}
}

func TestRelayClient_PollCancellationIsClean(t *testing.T) {
	started := make(chan struct{})
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Poll(ctx, "bob")
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		if !IsClean(err) {
			t.Errorf("Expected a clean cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after cancellation")
	}
}

func TestRelayClient_SendMessageWireFormat(t *testing.T) {
	var gotBody map[string]json.RawMessage
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send_message" {
			t.Errorf("Expected /send_message, got %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	}))

	recipient, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	envelope, err := crypto.Encrypt([]byte("hi"), recipient.ExchangePublicJWK())
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	err = client.SendMessage(context.Background(), "alice", "bob", "m-1", envelope)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	for _, field := range []string{"from", "to", "messageId", "envelope"} {
		if _, ok := gotBody[field]; !ok {
			t.Errorf("Expected field %q in request body", field)
		}
	}
}

func TestRelayClient_UpdateCachedProfileWireFormat(t *testing.T) {
	var gotBody map[string]string
	client, _ := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/update_profile" {
			t.Errorf("Expected /update_profile, got %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	}))

	err := client.UpdateCachedProfile(context.Background(), "alice", "Alice", "a.png", "hello")
	if err != nil {
		t.Fatalf("UpdateCachedProfile failed: %v", err)
	}
	want := map[string]string{"userId": "alice", "name": "Alice", "avatar": "a.png", "bio": "hello"}
	for field, value := range want {
		if gotBody[field] != value {
			t.Errorf("Expected %s=%q, got %q", field, value, gotBody[field])
		}
	}
}

func TestRelayClient_SetBaseURL(t *testing.T) {
	client, server := newTestRelay(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	}))

	if client.BaseURL() != server.URL {
		t.Errorf("Expected %s, got %s", server.URL, client.BaseURL())
	}
	if err := client.SetBaseURL("://bad"); err == nil {
		t.Error("Expected an error for an invalid URL")
	}

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	}))
	defer other.Close()

	if err := client.SetBaseURL(other.URL); err != nil {
		t.Fatalf("SetBaseURL failed: %v", err)
	}
	if client.BaseURL() != other.URL {
		t.Errorf("Expected %s, got %s", other.URL, client.BaseURL())
	}
	if err := client.Heartbeat(context.Background(), "u"); err != nil {
		t.Errorf("Heartbeat against the new relay failed: %v", err)
	}
}

func TestNewRelayClient_InvalidURL(t *testing.T) {
	if _, err := NewRelayClient("not a url", time.Second, time.Second); err == nil {
		t.Error("Expected an error for an invalid base URL")
	}
}
