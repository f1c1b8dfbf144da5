package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
	"github.com/DNSGeek/mmbasic-link/internal/debug"
	"github.com/DNSGeek/mmbasic-link/internal/files"
	"github.com/DNSGeek/mmbasic-link/internal/logger"
	"github.com/DNSGeek/mmbasic-link/internal/transport"
	"github.com/DNSGeek/mmbasic-link/web"
	"github.com/gorilla/websocket"
)

type fixture struct {
	srv *httptest.Server
	dev *transport.DemoDevice
	ch  *channel.Channel
	cfg *Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Serial.Port = "demo"

	dev := transport.NewDemoDevice()
	ch := channel.New(dev.Opener(), channel.Options{
		SettleDelay: time.Millisecond,
		LineDelay:   time.Millisecond,
		Sink:        channel.SinkFunc(func(channel.Entry) {}),
	})
	browser := files.NewBrowser(ch, files.Timing{
		ListTimeout:     time.Second,
		DownloadTimeout: time.Second,
		SettleDelay:     time.Millisecond,
		SaveDelay:       20 * time.Millisecond,
	})
	session := debug.NewSession(ch, debug.Timing{
		TraceDelay:  time.Millisecond,
		RunDelay:    time.Millisecond,
		StopDelay:   time.Millisecond,
		EvalTimeout: 200 * time.Millisecond,
	})
	lg := logger.New(logger.Config{Path: t.TempDir()})

	s := New(cfg, ch, browser, session, lg, web.FS)
	s.listPorts = func() ([]transport.PortInfo, error) {
		return []transport.PortInfo{{Name: "/dev/ttyACM0", IsUSB: true, VID: "2E8A", PID: "000A"}}, nil
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ch.Disconnect()
	})
	return &fixture{srv: srv, dev: dev, ch: ch, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if code, body := f.do(t, "POST", "/api/connect", ""); code != http.StatusOK {
		t.Fatalf("connect: %d %s", code, body)
	}
}

func TestConnectAndStatus(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/api/status", "")
	var st Status
	if code != http.StatusOK || json.Unmarshal(body, &st) != nil || st.Connected {
		t.Fatalf("initial status: %d %s", code, body)
	}

	f.connect(t)
	_, body = f.do(t, "GET", "/api/status", "")
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Connected || st.Port != "demo" || st.Baud != 38400 || st.State != "open" {
		t.Errorf("status = %+v", st)
	}

	if code, _ := f.do(t, "POST", "/api/connect", ""); code != http.StatusConflict {
		t.Errorf("second connect = %d, want 409", code)
	}
	if code, _ := f.do(t, "POST", "/api/disconnect", ""); code != http.StatusOK {
		t.Errorf("disconnect = %d", code)
	}
	if code, _ := f.do(t, "POST", "/api/disconnect", ""); code != http.StatusConflict {
		t.Errorf("disconnect while closed = %d, want 409", code)
	}
}

func TestCommandsRequireConnection(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/run", "/api/stop", "/api/files"} {
		if code, _ := f.do(t, "POST", path, ""); code != http.StatusConflict {
			t.Errorf("%s = %d, want 409", path, code)
		}
	}
	if code, _ := f.do(t, "POST", "/api/send", `{"text":"PRINT 1"}`); code != http.StatusConflict {
		t.Errorf("send = %d, want 409", code)
	}
	if code, _ := f.do(t, "GET", "/api/run", ""); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/run = %d, want 405", code)
	}
}

func TestFileRoutes(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	code, body := f.do(t, "GET", "/api/dir?path=A:", "")
	if code != http.StatusOK {
		t.Fatalf("dir: %d %s", code, body)
	}
	var entries []files.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Name != "LOGS" || !entries[0].IsDir {
		t.Errorf("entries = %+v", entries)
	}

	code, body = f.do(t, "GET", "/api/file?name=DATA.BAS", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"PRINT 1\nPRINT 2"`)) {
		t.Errorf("download: %d %s", code, body)
	}

	if code, body := f.do(t, "PUT", "/api/file?name=NEW.BAS", "10 PRINT 3\n"); code != http.StatusOK {
		t.Fatalf("upload: %d %s", code, body)
	}
	if content, ok := f.dev.File("NEW.BAS"); !ok || content != "10 PRINT 3" {
		t.Errorf("uploaded = %q, %v", content, ok)
	}

	if code, _ := f.do(t, "DELETE", "/api/file?name=NEW.BAS", ""); code != http.StatusOK {
		t.Errorf("delete = %d", code)
	}
	if code, _ := f.do(t, "DELETE", "/api/file?name=NEW.BAS", ""); code != http.StatusUnprocessableEntity {
		t.Errorf("delete missing = %d, want 422", code)
	}
	if code, _ := f.do(t, "GET", "/api/file?name=", ""); code != http.StatusBadRequest {
		t.Errorf("empty name = %d, want 400", code)
	}

	_, body = f.do(t, "GET", "/api/roots", "")
	if !bytes.Contains(body, []byte(`"B:"`)) {
		t.Errorf("roots = %s", body)
	}
}

func TestDebugRoutes(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	if code, _ := f.do(t, "POST", "/api/debug/step", ""); code != http.StatusConflict {
		t.Errorf("step while idle = %d, want 409", code)
	}

	src, _ := json.Marshal(map[string]string{"source": "10 N = 3\n20 END"})
	if code, body := f.do(t, "POST", "/api/debug/start", string(src)); code != http.StatusOK {
		t.Fatalf("start: %d %s", code, body)
	}
	if code, _ := f.do(t, "POST", "/api/debug/continue", ""); code != http.StatusOK {
		t.Errorf("continue = %d", code)
	}

	code, body := f.do(t, "POST", "/api/debug/inspect", `{"name":"N"}`)
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"value":"3"`)) {
		t.Errorf("inspect: %d %s", code, body)
	}
	_, body = f.do(t, "GET", "/api/debug/variables", "")
	if !bytes.Contains(body, []byte(`"name":"N"`)) {
		t.Errorf("variables = %s", body)
	}

	f.do(t, "POST", "/api/debug/breakpoints", `{"source":"main.bas","line":20}`)
	f.do(t, "POST", "/api/debug/breakpoints", `{"source":"main.bas","line":10}`)
	_, body = f.do(t, "GET", "/api/debug/breakpoints", "")
	if strings.TrimSpace(string(body)) != `{"main.bas":[10,20]}` {
		t.Errorf("breakpoints = %s", body)
	}
	f.do(t, "DELETE", "/api/debug/breakpoints?source=main.bas&line=10", "")
	_, body = f.do(t, "GET", "/api/debug/breakpoints", "")
	if strings.TrimSpace(string(body)) != `{"main.bas":[20]}` {
		t.Errorf("after remove = %s", body)
	}

	if code, _ := f.do(t, "POST", "/api/debug/stop", ""); code != http.StatusOK {
		t.Errorf("stop = %d", code)
	}
	_, body = f.do(t, "GET", "/api/debug/variables", "")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("variables after stop = %s", body)
	}
}

func TestConfigUpdate(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/api/config", `{"serial":{"lineEnding":"\\n"}}`)
	if code != http.StatusOK {
		t.Fatalf("update: %d %s", code, body)
	}
	if got := f.cfg.SerialSettings(); got.LineEnding != `\n` || got.BaudRate != 38400 {
		t.Errorf("serial = %+v", got)
	}
	if f.ch.LineEnding() != `\n` {
		t.Errorf("channel line ending = %q", f.ch.LineEnding())
	}

	_, body = f.do(t, "GET", "/api/config", "")
	if !bytes.Contains(body, []byte(`"listenAddr":":8080"`)) {
		t.Errorf("config = %s", body)
	}
}

func TestServesWebConsole(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, "GET", "/", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte("app.js")) {
		t.Errorf("GET / = %d %.80s", code, body)
	}
}

func TestPorts(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, "GET", "/api/ports", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"usb":true`)) {
		t.Errorf("ports: %d %s", code, body)
	}
}

func TestWebSocketTranscript(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first Frame
	if err := conn.ReadJSON(&first); err != nil || first.Status == nil || !first.Status.Connected {
		t.Fatalf("first frame = %+v, %v", first, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("PRINT 41")); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var fr Frame
		if err := conn.ReadJSON(&fr); err != nil {
			t.Fatalf("no echo of command output: %v", err)
		}
		if fr.Entry != nil && fr.Entry.Dir == channel.Received && fr.Entry.Text == "41" {
			return
		}
	}
}
