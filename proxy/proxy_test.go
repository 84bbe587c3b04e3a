package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/minio/crc64nvme"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mulgadc/ringproxy/backend"
	"github.com/mulgadc/ringproxy/quic/quicproto"
	"github.com/mulgadc/ringproxy/ring"
	"github.com/mulgadc/ringproxy/stream"
)

// fakeTransport stands in for the QUIC layer: every node stores replicas
// and fragments in one shared map keyed by address.
type fakeTransport struct {
	mu     sync.Mutex
	stored map[string][]byte // addr|bucket/object#frag
	totals map[string]int64  // original object size per stored key
	down   map[string]bool   // addr answers with a transport error

	// failAfter cuts every GET source after that many served bytes when
	// more remain. Zero disables.
	failAfter int

	getRanges []string // Range header of each replica GET, in call order
	putAddrs  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		stored: make(map[string][]byte),
		totals: make(map[string]int64),
		down:   make(map[string]bool),
	}
}

func storeKey(addr, bucket, object string, frag int) string {
	return fmt.Sprintf("%s|%s/%s#%d", addr, bucket, object, frag)
}

// seed places one replica of the payload on every node.
func (t *fakeTransport) seed(addrs []string, bucket, object string, payload []byte) {
	for _, addr := range addrs {
		key := storeKey(addr, bucket, object, 0)
		t.stored[key] = payload
		t.totals[key] = int64(len(payload))
	}
}

func (t *fakeTransport) Get(ctx context.Context, addr string, meta quicproto.GetMeta) (backend.Source, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down[addr] {
		return nil, errors.New("connection refused")
	}

	key := storeKey(addr, meta.Bucket, meta.Object, meta.Fragment)
	data, ok := t.stored[key]
	if !ok {
		return &fakeNodeSource{status: http.StatusNotFound, headers: http.Header{}}, nil
	}

	if meta.Fragment == 0 {
		t.getRanges = append(t.getRanges, meta.Range)
	}

	rng, err := stream.ParseRange(meta.Range)
	if err != nil {
		return &fakeNodeSource{status: http.StatusRequestedRangeNotSatisfiable, headers: http.Header{}}, nil
	}
	start, end, ok := clampRange(rng, int64(len(data)))
	if !ok {
		return &fakeNodeSource{status: http.StatusRequestedRangeNotSatisfiable, headers: http.Header{}}, nil
	}

	headers := http.Header{}
	headers.Set("Content-Length", fmt.Sprintf("%d", end-start+1))
	headers.Set("Etag", fmt.Sprintf("%016x", crc64nvme.Checksum(data)))
	headers.Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
	headers.Set("X-Object-Total-Size", fmt.Sprintf("%d", t.totals[key]))

	status := http.StatusOK
	if rng.Kind != stream.RangeAbsent {
		status = http.StatusPartialContent
		headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	}

	return &fakeNodeSource{
		status:  status,
		headers: headers,
		body:    data[start : end+1],
		budget:  t.failAfter,
	}, nil
}

func (t *fakeTransport) Put(ctx context.Context, addr string, meta quicproto.PutMeta, body io.Reader) (quicproto.PutResult, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down[addr] {
		return quicproto.PutResult{}, 0, errors.New("connection refused")
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return quicproto.PutResult{}, 0, err
	}
	key := storeKey(addr, meta.Bucket, meta.Object, meta.Fragment)
	t.stored[key] = data
	t.totals[key] = meta.TotalSize
	t.putAddrs = append(t.putAddrs, addr)

	return quicproto.PutResult{
		Size: int64(len(data)),
		ETag: fmt.Sprintf("%016x", crc64nvme.Checksum(data)),
	}, http.StatusCreated, nil
}

func (t *fakeTransport) Delete(ctx context.Context, addr string, meta quicproto.DeleteMeta) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down[addr] {
		return 0, errors.New("connection refused")
	}

	key := storeKey(addr, meta.Bucket, meta.Object, meta.Fragment)
	if _, ok := t.stored[key]; !ok {
		return http.StatusNotFound, nil
	}
	delete(t.stored, key)
	return http.StatusNoContent, nil
}

// fakeNodeSource dribbles out its body and optionally dies partway,
// standing in for a node that drops mid-stream.
type fakeNodeSource struct {
	status  int
	headers http.Header
	body    []byte
	pos     int
	budget  int
	served  int
}

func (s *fakeNodeSource) Status() int               { return s.status }
func (s *fakeNodeSource) Header(name string) string { return s.headers.Get(name) }
func (s *fakeNodeSource) Headers() http.Header      { return s.headers }
func (s *fakeNodeSource) Close() error              { return nil }

func (s *fakeNodeSource) Read(p []byte) (int, error) {
	if s.pos >= len(s.body) {
		return 0, io.EOF
	}
	n := len(p)
	if rest := len(s.body) - s.pos; n > rest {
		n = rest
	}
	if s.budget > 0 {
		if left := s.budget - s.served; n > left {
			n = left
		}
		if n == 0 {
			return 0, errors.New("connection reset mid-stream")
		}
	}
	copy(p, s.body[s.pos:s.pos+n])
	s.pos += n
	s.served += n
	return n, nil
}

func testConfig() *Config {
	return &Config{
		Listen:             "127.0.0.1:0",
		ChunkSize:          50,
		Replicas:           3,
		RequestTimeoutSecs: 5,
		Nodes: []ring.Node{
			{ID: 1, IP: "10.0.0.1", Port: 9001},
			{ID: 2, IP: "10.0.0.2", Port: 9001},
			{ID: 3, IP: "10.0.0.3", Port: 9001},
		},
		Buckets: []Bucket{
			{Name: "media"},
			{Name: "archive", Mode: ModeEC, DataShards: 2, ParityShards: 1},
		},
	}
}

func newTestProxy(t *testing.T) (*Proxy, *fakeTransport, []string) {
	t.Helper()

	cfg := testConfig()
	ft := newFakeTransport()
	p, err := NewWithTransport(cfg, ft)
	require.NoError(t, err)

	addrs := make([]string, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		addrs[i] = n.Addr()
	}
	return p, ft, addrs
}

func payload(n int) []byte {
	r := rand.New(rand.NewSource(int64(n)))
	out := make([]byte, n)
	r.Read(out)
	return out
}

func doRequest(t *testing.T, p *Proxy, method, target string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	app := p.SetupRoutes()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, 10000)
	require.NoError(t, err)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, got
}

func TestGetObjectFullBody(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	data := payload(300)
	ft.seed(addrs, "media", "movie.bin", data)

	resp, body := doRequest(t, p, "GET", "/media/movie.bin", nil, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)
	assert.Equal(t, "300", resp.Header.Get("Content-Length"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, []string{""}, ft.getRanges)
}

func TestGetObjectResumesAcrossNodeFailures(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	data := payload(300)
	ft.seed(addrs, "media", "movie.bin", data)
	ft.failAfter = 120

	resp, body := doRequest(t, p, "GET", "/media/movie.bin", nil, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// The client sees one continuous stream despite two mid-body failures.
	assert.Equal(t, data, body)
	// The second attempt's Content-Range teaches the object size, so the
	// final resume is an explicit bounded window.
	if diff := cmp.Diff([]string{"", "bytes=120-", "bytes=240-299"}, ft.getRanges); diff != "" {
		t.Errorf("backend range sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestGetObjectRangeResume(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	data := payload(300)
	ft.seed(addrs, "media", "movie.bin", data)
	ft.failAfter = 120

	resp, body := doRequest(t, p, "GET", "/media/movie.bin", nil, map[string]string{
		"Range": "bytes=50-249",
	})

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, data[50:250], body)
	assert.Equal(t, "200", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes 50-249/300", resp.Header.Get("Content-Range"))
	// The retry asks only for what the client is still owed.
	if diff := cmp.Diff([]string{"bytes=50-249", "bytes=170-249"}, ft.getRanges); diff != "" {
		t.Errorf("backend range sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestGetObjectSuffixRange(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	data := payload(300)
	ft.seed(addrs, "media", "movie.bin", data)

	resp, body := doRequest(t, p, "GET", "/media/movie.bin", nil, map[string]string{
		"Range": "bytes=-100",
	})

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, data[200:], body)
}

func TestGetObjectNotFound(t *testing.T) {
	p, _, _ := newTestProxy(t)

	resp, body := doRequest(t, p, "GET", "/media/missing.bin", nil, nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NoSuchKey")
	assert.NotEmpty(t, resp.Header.Get("x-amz-request-id"))
}

func TestGetObjectAllNodesDown(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	ft.seed(addrs, "media", "movie.bin", payload(10))
	for _, addr := range addrs {
		ft.down[addr] = true
	}

	resp, body := doRequest(t, p, "GET", "/media/movie.bin", nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "ServiceUnavailable")
}

func TestGetObjectNoSuchBucket(t *testing.T) {
	p, _, _ := newTestProxy(t)

	resp, body := doRequest(t, p, "GET", "/nope/key.bin", nil, nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NoSuchBucket")
}

func TestHeadObject(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	data := payload(300)
	ft.seed(addrs, "media", "movie.bin", data)

	resp, body := doRequest(t, p, "HEAD", "/media/movie.bin", nil, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "300", resp.Header.Get("Content-Length"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
}

func TestPutObjectReplicates(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	data := payload(500)

	resp, _ := doRequest(t, p, "PUT", "/media/upload.bin", data, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Len(t, ft.putAddrs, 3)
	for _, addr := range addrs {
		assert.Equal(t, data, ft.stored[storeKey(addr, "media", "upload.bin", 0)])
	}
}

func TestPutObjectBelowQuorum(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	ft.down[addrs[0]] = true
	ft.down[addrs[1]] = true

	resp, _ := doRequest(t, p, "PUT", "/media/upload.bin", payload(100), nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPutObjectEmptyBody(t *testing.T) {
	p, _, _ := newTestProxy(t)

	resp, _ := doRequest(t, p, "PUT", "/media/empty.bin", nil, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteObject(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	ft.seed(addrs, "media", "movie.bin", payload(10))

	resp, _ := doRequest(t, p, "DELETE", "/media/movie.bin", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	for _, addr := range addrs {
		_, ok := ft.stored[storeKey(addr, "media", "movie.bin", 0)]
		assert.False(t, ok)
	}

	// A second delete is still a success: every node answers 404 and the
	// handler treats a 404 quorum as already deleted.
	resp, _ = doRequest(t, p, "DELETE", "/media/movie.bin", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestECPutGetRoundTrip(t *testing.T) {
	p, ft, _ := newTestProxy(t)
	data := payload(1000)

	resp, _ := doRequest(t, p, "PUT", "/archive/backup.tar", data, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fragments := 0
	for key := range ft.stored {
		if strings.Contains(key, "archive/backup.tar") {
			fragments++
		}
	}
	assert.Equal(t, 3, fragments)

	resp, body := doRequest(t, p, "GET", "/archive/backup.tar", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)
}

func TestECGetSurvivesOneNodeDown(t *testing.T) {
	p, ft, addrs := newTestProxy(t)
	data := payload(1000)

	resp, _ := doRequest(t, p, "PUT", "/archive/backup.tar", data, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ft.down[addrs[0]] = true

	resp, body := doRequest(t, p, "GET", "/archive/backup.tar", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)
}

func TestECHeadSurvivesFragmentZeroHolderDown(t *testing.T) {
	p, ft, _ := newTestProxy(t)
	data := payload(1000)

	resp, _ := doRequest(t, p, "PUT", "/archive/backup.tar", data, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Take out the node holding fragment 0; HEAD answers from another
	// fragment holder.
	for key := range ft.stored {
		if strings.HasSuffix(key, "|archive/backup.tar#0") {
			ft.down[strings.TrimSuffix(key, "|archive/backup.tar#0")] = true
		}
	}

	resp, body := doRequest(t, p, "HEAD", "/archive/backup.tar", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "1000", resp.Header.Get("Content-Length"))
}

func TestECGetRange(t *testing.T) {
	p, _, _ := newTestProxy(t)
	data := payload(1000)

	resp, _ := doRequest(t, p, "PUT", "/archive/backup.tar", data, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doRequest(t, p, "GET", "/archive/backup.tar", nil, map[string]string{
		"Range": "bytes=10-19",
	})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, data[10:20], body)
	assert.Equal(t, "bytes 10-19/1000", resp.Header.Get("Content-Range"))
}

func TestECGetNotFound(t *testing.T) {
	p, _, _ := newTestProxy(t)

	resp, _ := doRequest(t, p, "GET", "/archive/missing.tar", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
