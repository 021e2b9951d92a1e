package acs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, url string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	return d.Dial(url, nil)
}

func register(t *testing.T, c *websocket.Conn, txID string) Envelope {
	t.Helper()
	if err := c.WriteJSON(Envelope{Command: CmdRegistration, TransactionID: txID, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack Envelope
	if err := c.ReadJSON(&ack); err != nil {
		t.Fatalf("读取注册应答失败: %v", err)
	}
	return ack
}

func TestServeHTTPRejectsConnectionsWhileRegistered(t *testing.T) {
	m := NewManager(nil, testLogger())
	srv := httptest.NewServer(m)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	x, _, err := dial(t, url)
	if err != nil {
		t.Fatalf("X 连接失败: %v", err)
	}
	if ack := register(t, x, "tx-x"); ack.Result != ResultSuccess {
		t.Fatalf("X 注册应成功: %+v", ack)
	}

	_, resp, err := dial(t, url)
	if err == nil {
		t.Fatal("已注册时新连接应被拒绝")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("应返回 403, 得到 %+v", resp)
	}

	x.Close()
	deadline := time.Now().Add(2 * time.Second)
	for m.Registered() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.Registered() {
		t.Fatal("X 断开后会话应被清除")
	}

	y, _, err := dial(t, url)
	if err != nil {
		t.Fatalf("X 断开后 Y 应能连接: %v", err)
	}
	defer y.Close()
	if ack := register(t, y, "tx-y"); ack.Result != ResultSuccess {
		t.Errorf("Y 注册应成功: %+v", ack)
	}
}
