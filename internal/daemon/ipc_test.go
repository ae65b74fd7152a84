package daemon

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestConstants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
	}{
		{"RequestStatus", RequestStatus},
		{"RequestExports", RequestExports},
		{"RequestUnexport", RequestUnexport},
		{"RequestInvalidate", RequestInvalidate},
		{"RequestReap", RequestReap},
		{"RequestStop", RequestStop},
	}

	t.Run("all constants are non-empty", func(t *testing.T) {
		t.Parallel()
		for _, tt := range tests {
			assert.NotEmpty(t, tt.value, "%s should not be empty", tt.name)
		}
	})

	t.Run("all constants are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, tt := range tests {
			assert.False(t, seen[tt.value], "duplicate request type: %s", tt.value)
			seen[tt.value] = true
		}
	})
}

func TestServerStartStop(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	handler := func(req *Request) *Response {
		return &Response{Success: true}
	}

	server := NewServer(handler)
	require.NoError(t, server.Start())

	_, err := os.Stat(SocketPath())
	assert.NoError(t, err, "socket file should be created")

	server.Stop()
	time.Sleep(100 * time.Millisecond)

	_, err = os.Stat(SocketPath())
	assert.True(t, os.IsNotExist(err), "socket should be removed after Stop()")
}

func TestClientServerCommunication(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	handler := func(req *Request) *Response {
		return &Response{
			Success: true,
			Message: "received: " + req.Type,
			PID:     os.Getpid(),
		}
	}

	server := NewServer(handler)
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Send(&Request{Type: RequestStatus})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "received: status", resp.Message)
	assert.Equal(t, os.Getpid(), resp.PID)
}

func TestClientUnexport(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	var receivedReq *Request
	handler := func(req *Request) *Response {
		receivedReq = req
		return &Response{Success: true}
	}

	server := NewServer(handler)
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Unexport("scratch"))
	assert.Equal(t, RequestUnexport, receivedReq.Type)
	assert.Equal(t, "scratch", receivedReq.Export)
}

func TestClientInvalidate(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	var receivedReq *Request
	handler := func(req *Request) *Response {
		receivedReq = req
		return &Response{Success: true}
	}

	server := NewServer(handler)
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Invalidate("scratch", "/a/b"))
	assert.Equal(t, RequestInvalidate, receivedReq.Type)
	assert.Equal(t, "scratch", receivedReq.Export)
	assert.Equal(t, "/a/b", receivedReq.Path)
}

func TestClientErrorResponse(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	handler := func(req *Request) *Response {
		return &Response{Success: false, Error: "no such export: ghost"}
	}

	server := NewServer(handler)
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	err = client.Unexport("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such export")
}

func TestClientReap(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	handler := func(req *Request) *Response {
		return &Response{Success: true, Reaped: 3}
	}

	server := NewServer(handler)
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	n, err := client.Reap()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClientExports(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	handler := func(req *Request) *Response {
		return &Response{
			Success: true,
			Exports: []ExportStatus{
				{Name: "scratch", Backend: BackendMemory, Addr: "127.0.0.1:20490", Entries: 4},
			},
		}
	}

	server := NewServer(handler)
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := Connect()
	require.NoError(t, err)
	defer client.Close()

	exports, err := client.Exports()
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "scratch", exports[0].Name)
	assert.Equal(t, 4, exports[0].Entries)
}

func TestIsDaemonRunning(t *testing.T) {
	t.Run("returns false when not running", func(t *testing.T) {
		tmpDir := t.TempDir()
		original := os.Getenv("MDCFS_CONFIG_DIR")
		os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
		defer os.Setenv("MDCFS_CONFIG_DIR", original)

		assert.False(t, IsDaemonRunning())
	})

	t.Run("returns true when running", func(t *testing.T) {
		// Short path avoids the Unix socket path length limit.
		tmpDir, err := os.MkdirTemp("/tmp", "mdcfs")
		require.NoError(t, err)
		defer os.RemoveAll(tmpDir)

		original := os.Getenv("MDCFS_CONFIG_DIR")
		os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
		defer os.Setenv("MDCFS_CONFIG_DIR", original)

		handler := func(req *Request) *Response {
			return &Response{Success: true}
		}

		server := NewServer(handler)
		require.NoError(t, server.Start())
		defer server.Stop()

		time.Sleep(50 * time.Millisecond)

		assert.True(t, IsDaemonRunning())
	})
}

func TestConnectNotRunning(t *testing.T) {
	tmpDir := t.TempDir()
	original := os.Getenv("MDCFS_CONFIG_DIR")
	os.Setenv("MDCFS_CONFIG_DIR", tmpDir)
	defer os.Setenv("MDCFS_CONFIG_DIR", original)

	_, err := Connect()
	assert.Error(t, err)
}
