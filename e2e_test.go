package tern

import (
	"testing"
	"time"

	"github.com/ternnet/tern/transport/memtransport"
)

// serviceUntil pumps a host until match accepts an event or the deadline
// expires.
func serviceUntil(t *testing.T, h *Host, match func(*Event) bool) *Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := h.Service(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("Service failed: %v", err)
		}
		if ev != nil && match(ev) {
			return ev
		}
	}
	t.Fatal("timed out waiting for event")
	return nil
}

func TestEndToEnd_ConnectEchoDisconnect(t *testing.T) {
	lib := newTestLibrary(t, memtransport.NewNetwork())
	defer lib.Close()

	bind, err := ParseAddress("127.0.0.1:9001")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	serverSettings := DefaultHostSettings()
	serverSettings.BindAddress = &bind
	serverSettings.MaxPeers = 10
	server, err := lib.NewHost(serverSettings)
	if err != nil {
		t.Fatalf("server NewHost failed: %v", err)
	}
	defer server.Close()

	clientSettings := DefaultHostSettings()
	clientSettings.MaxPeers = 1
	client, err := lib.NewHost(clientSettings)
	if err != nil {
		t.Fatalf("client NewHost failed: %v", err)
	}
	defer client.Close()

	// Connect and wait for both sides to observe it.
	clientID, err := client.Connect(bind, 2, 1234)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	serverEv := serviceUntil(t, server, func(ev *Event) bool { return ev.Type() == EventConnect })
	serverID := serverEv.PeerID()

	clientEv := serviceUntil(t, client, func(ev *Event) bool { return ev.Type() == EventConnect })
	if clientEv.PeerID() != clientID {
		t.Errorf("client connect peer = %s, want %s", clientEv.PeerID(), clientID)
	}

	// Client sends a reliable packet; the server echoes it back.
	pkt, err := lib.NewPacket([]byte("harro"), ReliableSequenced)
	if err != nil {
		t.Fatalf("NewPacket failed: %v", err)
	}
	if err := client.Peer(clientID).SendPacket(pkt, 1); err != nil {
		t.Fatalf("client SendPacket failed: %v", err)
	}
	client.Flush()

	recvEv := serviceUntil(t, server, func(ev *Event) bool { return ev.Type() == EventReceive })
	if string(recvEv.Packet().Data()) != "harro" {
		t.Fatalf("server received %q, want %q", recvEv.Packet().Data(), "harro")
	}
	if recvEv.ChannelID() != 1 {
		t.Errorf("server receive channel = %d, want 1", recvEv.ChannelID())
	}
	echo, err := lib.NewPacket(recvEv.Packet().Data(), recvEv.Packet().Mode())
	if err != nil {
		t.Fatalf("echo NewPacket failed: %v", err)
	}
	if err := recvEv.Peer().SendPacket(echo, recvEv.ChannelID()); err != nil {
		t.Fatalf("echo SendPacket failed: %v", err)
	}
	recvEv.Packet().Destroy()
	server.Flush()

	echoEv := serviceUntil(t, client, func(ev *Event) bool { return ev.Type() == EventReceive })
	if string(echoEv.Packet().Data()) != "harro" {
		t.Fatalf("client received %q, want %q", echoEv.Packet().Data(), "harro")
	}
	echoEv.Packet().Destroy()

	// Graceful disconnect with data. The remote side observes it first;
	// its acknowledgement completes the local disconnect.
	client.Peer(clientID).DisconnectLater(5)
	client.Flush()
	serverDis := serviceUntil(t, server, func(ev *Event) bool { return ev.Type() == EventDisconnect })
	if serverDis.Data() != 5 {
		t.Errorf("server disconnect data = %d, want 5", serverDis.Data())
	}
	if serverDis.PeerID() != serverID {
		t.Errorf("server disconnect peer = %s, want %s", serverDis.PeerID(), serverID)
	}
	clientDis := serviceUntil(t, client, func(ev *Event) bool { return ev.Type() == EventDisconnect })
	if clientDis.Data() != 5 {
		t.Errorf("client disconnect data = %d, want 5", clientDis.Data())
	}

	// The dropped disconnect events get cleaned up by the next service
	// call, freeing both slots.
	if _, err := client.Service(0); err != nil {
		t.Fatalf("client Service failed: %v", err)
	}
	if _, err := server.Service(0); err != nil {
		t.Fatalf("server Service failed: %v", err)
	}
	if client.Peer(clientID) != nil {
		t.Error("client handle should be stale after disconnect cleanup")
	}
	if server.Peer(serverID) != nil {
		t.Error("server handle should be stale after disconnect cleanup")
	}
}

func TestEndToEnd_PeerReceiveDrain(t *testing.T) {
	lib := newTestLibrary(t, memtransport.NewNetwork())
	defer lib.Close()

	bind, err := ParseAddress("127.0.0.1:9002")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	serverSettings := DefaultHostSettings()
	serverSettings.BindAddress = &bind
	server, err := lib.NewHost(serverSettings)
	if err != nil {
		t.Fatalf("server NewHost failed: %v", err)
	}
	defer server.Close()

	client, err := lib.NewHost(DefaultHostSettings())
	if err != nil {
		t.Fatalf("client NewHost failed: %v", err)
	}
	defer client.Close()

	clientID, err := client.Connect(bind, 1, 0)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	serverEv := serviceUntil(t, server, func(ev *Event) bool { return ev.Type() == EventConnect })
	serviceUntil(t, client, func(ev *Event) bool { return ev.Type() == EventConnect })

	for _, msg := range []string{"one", "two"} {
		pkt, err := lib.NewPacket([]byte(msg), UnreliableSequenced)
		if err != nil {
			t.Fatalf("NewPacket failed: %v", err)
		}
		if err := client.Peer(clientID).SendPacket(pkt, 0); err != nil {
			t.Fatalf("SendPacket failed: %v", err)
		}
	}
	client.Flush()

	// The event stream hands out one packet per service call; the rest of
	// the queue is reachable directly through Peer.Receive.
	recvEv := serviceUntil(t, server, func(ev *Event) bool { return ev.Type() == EventReceive })
	if string(recvEv.Packet().Data()) != "one" {
		t.Fatalf("event packet = %q, want %q", recvEv.Packet().Data(), "one")
	}
	recvEv.Packet().Destroy()

	pkt, ch, ok := server.Peer(serverEv.PeerID()).Receive()
	if !ok {
		t.Fatal("Peer.Receive reported no packet")
	}
	if ch != 0 {
		t.Errorf("channel = %d, want 0", ch)
	}
	if string(pkt.Data()) != "two" {
		t.Errorf("drained %q, want %q", pkt.Data(), "two")
	}
	pkt.Destroy()
}
