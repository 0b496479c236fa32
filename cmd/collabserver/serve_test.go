package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/config"
	"collabtext/internal/delta"
	"collabtext/internal/protocol"
)

func startServer(t *testing.T, cfg config.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, cfg, ln, testr.New(t)) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String()
}

func testConfig(t *testing.T) config.Server {
	return config.Server{
		ListenAddr:   "127.0.0.1:0",
		StoreBackend: config.BackendDir,
		StoreDir:     t.TempDir(),
		SendBuffer:   16,
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := protocol.Decode(data)
	require.NoError(t, err)
	return m
}

func TestRunServesDocumentAndStore(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StoreDir, "seed.txt"), []byte("seeded\n"), 0o644))
	cfg.Document = "seed.txt"
	addr := startServer(t, cfg)

	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: "user=alice"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	first, ok := readMessage(t, conn).(protocol.Init)
	require.True(t, ok)
	assert.Equal(t, "seeded\n", first.Text)
	readMessage(t, conn) // lineOwnership
	readMessage(t, conn) // userList

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		protocol.MustEncode(protocol.NewOperation(delta.Add{Position: 7, Text: "more"}, 0))))

	require.Eventually(t, func() bool {
		resp, err := http.PostForm("http://"+addr+"/save", url.Values{"fileName": {"out.txt"}})
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "OK" {
			return false
		}
		saved, err := os.ReadFile(filepath.Join(cfg.StoreDir, "out.txt"))
		return err == nil && string(saved) == "seeded\nmore"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunFailsOnMissingDocument(t *testing.T) {
	cfg := testConfig(t)
	cfg.Document = "absent.txt"
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = run(context.Background(), cfg, ln, testr.New(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestOpenStore(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg.StoreBackend = config.BackendBolt
	cfg.BoltPath = filepath.Join(t.TempDir(), "docs.db")
	st, err = openStore(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg.StoreBackend = "tape"
	_, err = openStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "tail"}, names)

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("store"))
	assert.NotNil(t, serve.Flags().Lookup("redis-addr"))
}

func TestWanted(t *testing.T) {
	assert.True(t, wanted(nil, "operation"))
	assert.True(t, wanted([]string{"presence", "operation"}, "operation"))
	assert.False(t, wanted([]string{"presence"}, "load"))
}
