package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventsStreamProductChanges(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	env.createSyncedProduct(t, map[string]any{"title": "Linen shirt"})

	server := httptest.NewServer(env.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events?store_id="+testStoreID, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+env.token)
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("failed to open event stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.realtime.SubscriberCount(testStoreID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	expectStatus(t, env.do(t, http.MethodPut, "/products/prod-1", map[string]any{
		"form_data": map[string]any{"title": "Linen shirt v2"},
	}), http.StatusOK)

	scanner := bufio.NewScanner(response.Body)
	var eventLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			eventLine = line
			continue
		}
		if strings.HasPrefix(line, "data:") && eventLine != "" {
			if eventLine != "event:"+RealtimeEventProductChanged {
				t.Fatalf("unexpected event %q", eventLine)
			}
			if !strings.Contains(line, `"product_ids":["prod-1"]`) || !strings.Contains(line, `"store_id":"store-1"`) {
				t.Fatalf("unexpected event payload %q", line)
			}
			return
		}
	}
	t.Fatalf("stream ended before a product event arrived: %v", scanner.Err())
}

func TestEventsRequireAccessibleStore(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	expectStatus(t, env.do(t, http.MethodGet, "/events", nil), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodGet, "/events?store_id=store-2", nil), http.StatusForbidden)
}

func TestEventsSocketStreamsProductChanges(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	env.createSyncedProduct(t, map[string]any{"title": "Linen shirt"})

	server := httptest.NewServer(env.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	socketURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events/ws?store_id=" + testStoreID
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, socketURL, http.Header{
		"Authorization": []string{"Bearer " + env.token},
	})
	if err != nil {
		t.Fatalf("failed to dial event socket: %v", err)
	}
	defer conn.Close()
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected handshake status %d", response.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.realtime.SubscriberCount(testStoreID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event socket never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	expectStatus(t, env.do(t, http.MethodPost, "/products/prod-1/remote-changes", map[string]any{
		"fields": map[string]any{"title": "Linen shirt (storefront)"},
	}), http.StatusOK)

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var message realtimeSocketMessage
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if message.Event != RealtimeEventProductConflict || message.StoreID != testStoreID {
		t.Fatalf("unexpected socket message %+v", message)
	}
	if len(message.ProductIDs) != 1 || message.ProductIDs[0] != "prod-1" {
		t.Fatalf("unexpected product ids %v", message.ProductIDs)
	}
}

func TestEventsSocketRejectsAnonymousClients(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	server := httptest.NewServer(env.handler)
	t.Cleanup(server.Close)

	socketURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events/ws?store_id=" + testStoreID
	_, response, err := websocket.DefaultDialer.Dial(socketURL, nil)
	if err == nil {
		t.Fatalf("expected the handshake to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", response)
	}
}
