package commsutil

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnect_InvalidURL(t *testing.T) {
	nc, err := Connect("invalid://not-a-nats-server", "test-client")
	if err == nil {
		if nc != nil {
			nc.Close()
		}
		t.Fatalf("%s - expected error for invalid URL", connectTestPrefix)
	}
	if nc != nil {
		t.Errorf("%s - expected nil connection on error", connectTestPrefix)
	}
}

func TestConnect_RespondJSON(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: 14240, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", connectTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", connectTestPrefix)
	}
	defer ns.Shutdown()

	nc, err := Connect(ns.ClientURL(), "connect-test", comms.NoEcho())
	if err != nil {
		t.Fatalf("%s - Connect failed: %v", connectTestPrefix, err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(SubjectQuery, func(msg *comms.Msg) {
		_ = RespondJSON(msg, map[string]string{"echo": string(msg.Data)})
	})
	if err != nil {
		t.Fatalf("%s - subscribe failed: %v", connectTestPrefix, err)
	}
	defer sub.Unsubscribe()

	// NoEcho only suppresses delivery of our own publishes to our own
	// subscriptions, so use a second connection as the requester.
	client, err := Connect(ns.ClientURL(), "connect-test-client")
	if err != nil {
		t.Fatalf("%s - client Connect failed: %v", connectTestPrefix, err)
	}
	defer client.Close()

	reply, err := client.Request(SubjectQuery, []byte("ping"), 5*time.Second)
	if err != nil {
		t.Fatalf("%s - request failed: %v", connectTestPrefix, err)
	}
	var out map[string]string
	if err := DecodePayload(reply.Data, &out); err != nil {
		t.Fatalf("%s - decode failed: %v", connectTestPrefix, err)
	}
	if out["echo"] != "ping" {
		t.Errorf("%s - echo = %q, want ping", connectTestPrefix, out["echo"])
	}
}
