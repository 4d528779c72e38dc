package subscription

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corelink-dev/corelink/internal/registry"
	"github.com/corelink-dev/corelink/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T) (*Fetcher, *registry.Registry) {
	t.Helper()
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	reg := registry.New(store, nil, nil)
	return New(reg, nil, nil), reg
}

func linkBody() string {
	ss := func(cred, host string) string {
		return "ss://" + base64.StdEncoding.EncodeToString([]byte(cred)) + "@" + host + ":8388#Node"
	}
	return ss("aes-256-gcm:a", "h1.example.com") + "\n" + ss("aes-256-gcm:b", "h2.example.com") + "\n"
}

func serveBody(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUpdatePlainBody(t *testing.T) {
	fetcher, reg := newTestFetcher(t)
	srv := serveBody(t, linkBody())

	results := fetcher.Update(context.Background(), []settings.Subscription{
		{Name: "Feed", URL: srv.URL, Enabled: true},
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Added)

	servers := reg.GetAllServers()
	require.Len(t, servers, 2)
	// servers land under the subscription's name
	assert.Equal(t, "Feed", servers[0].Group)
}

func TestUpdateBase64Body(t *testing.T) {
	fetcher, reg := newTestFetcher(t)
	srv := serveBody(t, base64.StdEncoding.EncodeToString([]byte(linkBody())))

	results := fetcher.Update(context.Background(), []settings.Subscription{
		{Name: "Feed", URL: srv.URL, Enabled: true},
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Added)
	assert.Len(t, reg.GetAllServers(), 2)
}

const clashBody = `proxies:
  - name: "SS Node"
    type: ss
    server: ss.example.com
    port: 8388
    cipher: aes-256-gcm
    password: secret
  - name: "Trojan Node"
    type: trojan
    server: tr.example.com
    port: 443
    password: pw
    sni: tr.example.com
  - name: "Unsupported"
    type: snell
    server: sn.example.com
    port: 1234
`

func TestUpdateClashBody(t *testing.T) {
	fetcher, reg := newTestFetcher(t)
	srv := serveBody(t, clashBody)

	results := fetcher.Update(context.Background(), []settings.Subscription{
		{Name: "Clash", URL: srv.URL, Enabled: true},
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Added)

	servers := reg.GetAllServers()
	require.Len(t, servers, 2)
	assert.Equal(t, "ss.example.com", servers[0].Server)
	assert.Equal(t, "tr.example.com", servers[1].Server)
}

func TestUpdateErrorIsolation(t *testing.T) {
	fetcher, reg := newTestFetcher(t)
	good := serveBody(t, linkBody())
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(bad.Close)

	results := fetcher.Update(context.Background(), []settings.Subscription{
		{Name: "Bad", URL: bad.URL, Enabled: true},
		{Name: "Good", URL: good.URL, Enabled: true},
	})
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 2, results[1].Added)
	assert.Len(t, reg.GetAllServers(), 2)
}

func TestUpdateSkipsDisabled(t *testing.T) {
	fetcher, _ := newTestFetcher(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(linkBody()))
	}))
	t.Cleanup(srv.Close)

	results := fetcher.Update(context.Background(), []settings.Subscription{
		{Name: "Off", URL: srv.URL, Enabled: false},
	})
	assert.Empty(t, results)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSetWorkerLimit(t *testing.T) {
	fetcher, _ := newTestFetcher(t)
	assert.Equal(t, workerCount, fetcher.workers)

	fetcher.SetWorkerLimit(1)
	assert.Equal(t, 1, fetcher.workers)

	// zero and negative keep the current limit
	fetcher.SetWorkerLimit(0)
	fetcher.SetWorkerLimit(-2)
	assert.Equal(t, 1, fetcher.workers)

	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		w.Write([]byte(linkBody()))
	}))
	t.Cleanup(srv.Close)

	results := fetcher.Update(context.Background(), []settings.Subscription{
		{Name: "A", URL: srv.URL + "/a", Enabled: true},
		{Name: "B", URL: srv.URL + "/b", Enabled: true},
		{Name: "C", URL: srv.URL + "/c", Enabled: true},
	})
	require.Len(t, results, 3)
	assert.Equal(t, int32(1), peak.Load())
}

func TestUpdateEmptyBody(t *testing.T) {
	fetcher, _ := newTestFetcher(t)
	srv := serveBody(t, "  \n")

	results := fetcher.Update(context.Background(), []settings.Subscription{
		{Name: "Empty", URL: srv.URL, Enabled: true},
	})
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestFetchUsesBodyCache(t *testing.T) {
	fetcher, _ := newTestFetcher(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(linkBody()))
	}))
	t.Cleanup(srv.Close)
	subs := []settings.Subscription{{Name: "Feed", URL: srv.URL, Enabled: true}}

	fetcher.Update(context.Background(), subs)
	results := fetcher.Update(context.Background(), subs)

	assert.Equal(t, int32(1), hits.Load())
	// second pass adds nothing: every entry is already registered
	assert.Equal(t, 0, results[0].Added)
}

func TestUpdateSetsUserAgent(t *testing.T) {
	fetcher, _ := newTestFetcher(t)
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("User-Agent"))
		w.Write([]byte(linkBody()))
	}))
	t.Cleanup(srv.Close)

	fetcher.Update(context.Background(), []settings.Subscription{
		{Name: "Feed", URL: srv.URL, Enabled: true},
	})
	assert.Equal(t, userAgent, got.Load())
}

func TestDecodeBody(t *testing.T) {
	assert.Nil(t, decodeBody(""))
	assert.Nil(t, decodeBody("   \n\t"))

	plain := decodeBody("vless://u@h:443#a\n\ntrojan://p@h:443#b\n")
	assert.Len(t, plain, 2)

	// base64 bodies may carry line breaks mid-stream
	b64 := base64.StdEncoding.EncodeToString([]byte("line-one\nline-two"))
	wrapped := b64[:6] + "\n" + b64[6:]
	assert.Equal(t, []string{"line-one", "line-two"}, decodeBody(wrapped))

	clash := decodeBody(clashBody)
	assert.Len(t, clash, 2)
}
