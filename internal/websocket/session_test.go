package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
)

// connPair upgrades a loopback connection and returns both ends.
func connPair(t *testing.T) (server *gorilla.Conn, client *gorilla.Conn) {
	t.Helper()
	up := gorilla.Upgrader{}
	serverCh := make(chan *gorilla.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	clientConn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case conn := <-serverCh:
		t.Cleanup(func() { conn.Close() })
		return conn, clientConn
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server connection")
		return nil, nil
	}
}

func TestSendAssignsFreshEnvelopeUUIDs(t *testing.T) {
	s := newQueuedSession("user-1", 4)

	if err := s.Send(cherryd.TypeDataDynamic, map[string]int{"a": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Send(cherryd.TypeDataDynamic, map[string]int{"a": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}

	first := <-s.send
	second := <-s.send
	if first.UUID == "" || first.UUID == second.UUID {
		t.Fatalf("expected distinct envelope uuids, got %q and %q", first.UUID, second.UUID)
	}
}

func TestSendDropsDataFramesWhenQueueFull(t *testing.T) {
	s := newQueuedSession("user-1", 2)

	for i := 0; i < 3; i++ {
		if err := s.Send(cherryd.TypeDataDynamic, i); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	// Queue held the first two; the third was dropped silently.
	first := <-s.send
	second := <-s.send
	if first.Body != 0 || second.Body != 1 {
		t.Fatalf("expected oldest frames retained, got %v, %v", first.Body, second.Body)
	}
	select {
	case msg := <-s.send:
		t.Fatalf("expected empty queue, got %v", msg.Body)
	default:
	}
}

func TestSendEvictsOldestForLifecycleFrames(t *testing.T) {
	s := newQueuedSession("user-1", 2)

	_ = s.Send(cherryd.TypeDataDynamic, "old")
	_ = s.Send(cherryd.TypeDataDynamic, "newer")
	if err := s.Send(cherryd.TypeDelete, cherryd.BaseBody{UUID: "m1"}); err != nil {
		t.Fatalf("lifecycle send: %v", err)
	}

	first := <-s.send
	second := <-s.send
	if first.Body != "newer" {
		t.Fatalf("expected oldest data frame evicted, head is %v", first.Body)
	}
	if second.Type != cherryd.TypeDelete {
		t.Fatalf("expected lifecycle frame queued, got %s", second.Type)
	}
}

func TestSendEvictionSparesQueuedLifecycleFrames(t *testing.T) {
	s := newQueuedSession("user-1", 3)

	// A lifecycle frame at the head of a full queue must survive; the
	// eviction victim is the oldest broadcast frame behind it.
	_ = s.Send(cherryd.TypeBootupStart, cherryd.BaseBody{UUID: "m1"})
	_ = s.Send(cherryd.TypeDataDynamic, "old-data")
	_ = s.Send(cherryd.TypeDataDynamic, "newer-data")
	if err := s.Send(cherryd.TypeBootupSuccess, cherryd.BaseBody{UUID: "m1"}); err != nil {
		t.Fatalf("lifecycle send: %v", err)
	}

	var got []cherryd.Message
	for i := 0; i < 3; i++ {
		got = append(got, <-s.send)
	}
	if got[0].Type != cherryd.TypeBootupStart {
		t.Fatalf("expected queued lifecycle frame to survive eviction, head is %s", got[0].Type)
	}
	if got[1].Body != "newer-data" {
		t.Fatalf("expected oldest broadcast frame evicted, got %v", got[1].Body)
	}
	if got[2].Type != cherryd.TypeBootupSuccess {
		t.Fatalf("expected new lifecycle frame at the tail, got %s", got[2].Type)
	}
	select {
	case msg := <-s.send:
		t.Fatalf("expected empty queue, got %v", msg.Type)
	default:
	}
}

func TestSendEvictsOldestLifecycleOnlyAsLastResort(t *testing.T) {
	s := newQueuedSession("user-1", 2)

	_ = s.Send(cherryd.TypeBootupStart, cherryd.BaseBody{UUID: "m1"})
	_ = s.Send(cherryd.TypeBootupSuccess, cherryd.BaseBody{UUID: "m1"})
	if err := s.Send(cherryd.TypeShutdownStart, cherryd.BaseBody{UUID: "m1"}); err != nil {
		t.Fatalf("lifecycle send: %v", err)
	}

	first := <-s.send
	second := <-s.send
	if first.Type != cherryd.TypeBootupSuccess || second.Type != cherryd.TypeShutdownStart {
		t.Fatalf("expected oldest lifecycle frame sacrificed for the newest, got %s, %s",
			first.Type, second.Type)
	}
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	s := newQueuedSession("user-1", 2)
	s.markClosed()

	if err := s.Send(cherryd.TypeDataDynamic, nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if s.Alive() {
		t.Fatalf("expected session to report not alive")
	}
}

func TestSessionDeliversQueuedMessagesInOrder(t *testing.T) {
	server, client := connPair(t)
	s := NewSession(server, "user-1", "test", 8, logrus.New(), nil)

	for i := 0; i < 3; i++ {
		if err := s.Send(cherryd.TypeDataDynamic, i); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	go s.Listen()
	defer s.Close(cherryd.CloseGoingAway, "test over")

	for want := 0; want < 3; want++ {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg cherryd.Message
		if err := client.ReadJSON(&msg); err != nil {
			t.Fatalf("read %d: %v", want, err)
		}
		if got, ok := msg.Body.(float64); !ok || int(got) != want {
			t.Fatalf("expected body %d, got %v", want, msg.Body)
		}
	}
}

func TestCloseSendsCloseCode(t *testing.T) {
	server, client := connPair(t)
	s := NewSession(server, "user-1", "test", 8, logrus.New(), nil)
	go s.Listen()

	s.Close(cherryd.CloseGoingAway, "going away")
	s.Close(cherryd.CloseGoingAway, "second close is a no-op")

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *gorilla.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != cherryd.CloseGoingAway {
		t.Fatalf("expected close code %d, got %d", cherryd.CloseGoingAway, closeErr.Code)
	}
}

func TestListenExitsWhenPeerDisconnects(t *testing.T) {
	server, client := connPair(t)
	s := NewSession(server, "user-1", "test", 8, logrus.New(), nil)

	done := make(chan struct{})
	go func() {
		s.Listen()
		close(done)
	}()

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not exit after peer disconnect")
	}
	if s.Alive() {
		t.Fatalf("expected session dead after peer disconnect")
	}
}
