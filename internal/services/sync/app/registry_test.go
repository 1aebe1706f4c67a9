package server

import (
	"bytes"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPeer(userID string) (*wsPeer, *bytes.Buffer) {
	var buf bytes.Buffer
	return newWSPeer(userID, json.NewEncoder(&buf)), &buf
}

func decodeFrames(t *testing.T, peer *wsPeer, buf *bytes.Buffer) []wsFrame {
	t.Helper()
	peer.mu.Lock()
	defer peer.mu.Unlock()
	var frames []wsFrame
	decoder := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	for decoder.More() {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestConnRegistrySendTargetsIdentityConnections(t *testing.T) {
	registry := newConnRegistry()
	peerA1, bufA1 := newTestPeer("alice")
	peerA2, bufA2 := newTestPeer("alice")
	peerB, bufB := newTestPeer("bob")
	registry.register(peerA1)
	registry.register(peerA2)
	registry.register(peerB)

	registry.send("alice", wsFrame{Type: "ping"}, nil)

	if got := len(decodeFrames(t, peerA1, bufA1)); got != 1 {
		t.Fatalf("alice conn 1 frames = %d, want 1", got)
	}
	if got := len(decodeFrames(t, peerA2, bufA2)); got != 1 {
		t.Fatalf("alice conn 2 frames = %d, want 1", got)
	}
	if got := len(decodeFrames(t, peerB, bufB)); got != 0 {
		t.Fatalf("bob frames = %d, want 0", got)
	}

	// Offline identity delivery is a silent no-op.
	registry.send("nobody", wsFrame{Type: "ping"}, nil)
}

func TestConnRegistrySendHonorsPredicate(t *testing.T) {
	registry := newConnRegistry()
	peer1, buf1 := newTestPeer("alice")
	peer2, buf2 := newTestPeer("alice")
	registry.register(peer1)
	registry.register(peer2)

	registry.send("alice", wsFrame{Type: "ping"}, func(p *wsPeer) bool {
		return p == peer2
	})

	if got := len(decodeFrames(t, peer1, buf1)); got != 0 {
		t.Fatalf("filtered conn frames = %d, want 0", got)
	}
	if got := len(decodeFrames(t, peer2, buf2)); got != 1 {
		t.Fatalf("matching conn frames = %d, want 1", got)
	}
}

func TestTopicIndexJoinIsIdempotent(t *testing.T) {
	topics := newTopicIndex()
	peer, buf := newTestPeer("alice")

	topics.join("trade:camp-1", peer)
	topics.join("trade:camp-1", peer)
	topics.broadcast("trade:camp-1", wsFrame{Type: "trade:update"})

	if got := len(decodeFrames(t, peer, buf)); got != 1 {
		t.Fatalf("frames = %d, want 1 despite duplicate join", got)
	}
}

func TestTopicIndexLeaveAllClearsEveryJoinedTopic(t *testing.T) {
	topics := newTopicIndex()
	peer, buf := newTestPeer("alice")

	topics.join("trade:camp-1", peer)
	topics.join("story:camp-1", peer)
	topics.join("game:camp-2", peer)
	if !topics.subscribed("story:camp-1", peer) {
		t.Fatal("expected subscribed before leaveAll")
	}

	topics.leaveAll(peer)

	for _, topic := range []string{"trade:camp-1", "story:camp-1", "game:camp-2"} {
		if topics.subscribed(topic, peer) {
			t.Fatalf("still subscribed to %q after leaveAll", topic)
		}
		topics.broadcast(topic, wsFrame{Type: "ping"})
	}
	if got := len(decodeFrames(t, peer, buf)); got != 0 {
		t.Fatalf("frames after leaveAll = %d, want 0", got)
	}
}

func TestTopicIndexLeaveUnjoinedTopicIsNoOp(t *testing.T) {
	topics := newTopicIndex()
	peer, _ := newTestPeer("alice")
	topics.leave("trade:camp-1", peer)
}

func TestDispatcherDebounceCollapsesBursts(t *testing.T) {
	topics := newTopicIndex()
	peer, buf := newTestPeer("alice")
	topics.join("story:camp-1", peer)

	dispatch := newDispatcher(topics, 30*time.Millisecond)
	t.Cleanup(dispatch.close)

	var builds atomic.Int32
	for i := 0; i < 5; i++ {
		dispatch.notifyDebounced("story:camp-1", func() (wsFrame, bool) {
			builds.Add(1)
			return wsFrame{Type: "story:update"}, true
		})
	}

	time.Sleep(100 * time.Millisecond)
	if got := builds.Load(); got != 1 {
		t.Fatalf("builds = %d, want 1", got)
	}
	if got := len(decodeFrames(t, peer, buf)); got != 1 {
		t.Fatalf("frames = %d, want 1 collapsed delivery", got)
	}
}

func TestDispatcherDebounceBuildCanSuppressDelivery(t *testing.T) {
	topics := newTopicIndex()
	peer, buf := newTestPeer("alice")
	topics.join("story:camp-1", peer)

	dispatch := newDispatcher(topics, 10*time.Millisecond)
	t.Cleanup(dispatch.close)

	dispatch.notifyDebounced("story:camp-1", func() (wsFrame, bool) {
		return wsFrame{}, false
	})

	time.Sleep(50 * time.Millisecond)
	if got := len(decodeFrames(t, peer, buf)); got != 0 {
		t.Fatalf("frames = %d, want 0 when build suppresses", got)
	}
}

func TestWSPeerClosedDropsWrites(t *testing.T) {
	peer, buf := newTestPeer("alice")
	peer.markClosed()
	if err := peer.writeFrame(wsFrame{Type: "ping"}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	if got := len(decodeFrames(t, peer, buf)); got != 0 {
		t.Fatalf("frames = %d, want 0 after close", got)
	}
}
