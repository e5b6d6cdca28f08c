package handler

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/ext2"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/service"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	ctx := context.Background()
	dev := device.NewMemory("sda", 512*1024, 512)
	_, err := ext2.Format(ctx, dev, ext2.Params{BlockCount: 512, BlocksPerGroup: 256, InodesPerGroup: 32})
	require.NoError(t, err)

	svc := service.NewKernelService(vfs.NewTree())
	_, err = svc.AttachDevice(ctx, "sda", dev)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(svc).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// call issues a GET and splits the response into its code and payload.
func call(t *testing.T, srv *httptest.Server, path string, q url.Values) (int64, []byte) {
	t.Helper()

	resp, err := http.Get(srv.URL + path + "?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(body), 8)
	return int64(binary.LittleEndian.Uint64(body)), body[8:]
}

func TestHandler_SyscallFlow(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	code, _ := call(t, srv, "/api/mount", url.Values{"source": {"/dev/sda"}, "target": {"/"}})
	require.Zero(t, code)

	code, _ = call(t, srv, "/api/spawn", url.Values{"pid": {"7"}})
	require.Zero(t, code)

	code, payload := call(t, srv, "/api/open", url.Values{
		"pid": {"7"}, "path": {"/motd"}, "flags": {"0x42"}, // O_RDWR|O_CREAT
	})
	require.Zero(t, code)
	fd := binary.LittleEndian.Uint64(payload)
	assert.Zero(t, fd)

	code, payload = call(t, srv, "/api/write", url.Values{
		"pid": {"7"}, "fd": {"0"}, "data": {base64.StdEncoding.EncodeToString([]byte("welcome"))},
	})
	require.Zero(t, code)
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(payload))

	code, _ = call(t, srv, "/api/seek", url.Values{"pid": {"7"}, "fd": {"0"}, "offset": {"0"}, "whence": {"0"}})
	require.Zero(t, code)

	code, payload = call(t, srv, "/api/read", url.Values{"pid": {"7"}, "fd": {"0"}, "len": {"64"}})
	require.Zero(t, code)
	assert.Equal(t, "welcome", string(payload))

	code, payload = call(t, srv, "/api/readdir", url.Values{"path": {"/"}, "offset": {"1"}})
	require.Zero(t, code)
	assert.Equal(t, "motd", string(payload[:4]))
	assert.Zero(t, payload[4])

	code, _ = call(t, srv, "/api/readdir", url.Values{"path": {"/"}, "offset": {"9"}})
	assert.Equal(t, -kerrors.ENOENT, code)
}

func TestHandler_ErrorsAreNegativeErrno(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	code, _ := call(t, srv, "/api/spawn", url.Values{"pid": {"1"}})
	require.Zero(t, code)

	code, _ = call(t, srv, "/api/close", url.Values{"pid": {"1"}, "fd": {"3"}})
	assert.Equal(t, -kerrors.EBADF, code)

	code, payload := call(t, srv, "/api/errno", url.Values{"pid": {"1"}})
	require.Zero(t, code)
	assert.Equal(t, uint64(kerrors.EBADF), binary.LittleEndian.Uint64(payload))

	code, _ = call(t, srv, "/api/open", url.Values{"pid": {"1"}, "path": {"/x"}})
	assert.Equal(t, kerrors.EINVAL_NEG, code)

	code, _ = call(t, srv, "/api/stat", url.Values{"path": {"/nope"}})
	assert.Equal(t, -kerrors.ENOENT, code)

	code, _ = call(t, srv, "/api/mount", url.Values{"source": {"/dev/nope"}, "target": {"/"}})
	assert.Equal(t, -kerrors.ENOENT, code)
}

func TestHandler_RejectsNonGet(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	resp, err := http.Post(srv.URL+"/api/spawn?pid=1", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
