package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"

	"zprojector/internal/models"
	"zprojector/pkg/logging"
	"zprojector/pkg/precomputed"
	"zprojector/pkg/projection"
	"zprojector/pkg/viewer"
)

var testShape = models.Shape{Channels: 3, Depth: 6, Height: 5, Width: 4}

func createTestVolume(seed int64) *models.Volume {
	rng := rand.New(rand.NewSource(seed))
	vol := models.NewVolume(testShape)
	rng.Read(vol.Data)
	return vol
}

type testServer struct {
	manager *Manager
	server  *Server
	volume  *models.Volume
}

func testOptions() Options {
	return Options{
		NeuroglancerURL: "http://localhost:8080",
		VoxelSize:       [3]float64{4, 4, 40},
		Units:           "nm",
		ChunkSize:       [3]int{2, 2, 2},
	}
}

func newTestServer(t *testing.T, mode projection.Mode, maxSessions int) *testServer {
	t.Helper()
	return newTestServerWithOptions(t, mode, maxSessions, testOptions())
}

func newTestServerWithOptions(t *testing.T, mode projection.Mode, maxSessions int, opts Options) *testServer {
	t.Helper()
	vol := createTestVolume(42)
	log := logging.Discard()
	m := NewManager(vol, Settings{
		Mode:        mode,
		Options:     projection.Options{Strategy: projection.SlidingMax, Workers: 2},
		NumLayers:   1,
		MaxSessions: maxSessions,
	}, log)
	s, err := New(m, opts, log)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return &testServer{manager: m, server: s, volume: vol}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) createSession(t *testing.T) *Session {
	t.Helper()
	sess, err := ts.manager.Create(context.Background())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return sess
}

func TestIndexCreatesSession(t *testing.T) {
	ts := newTestServer(t, projection.Lazy, 4)
	w := ts.do(t, http.MethodGet, "/", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ts.manager.Len() != 1 {
		t.Fatalf("Expected one session, got %d", ts.manager.Len())
	}
	sess, _ := ts.manager.Latest()
	body := w.Body.String()
	if !strings.Contains(body, sess.ID) {
		t.Error("Expected page to name the session")
	}
	if !strings.Contains(body, "http://localhost:8080/#!") {
		t.Error("Expected page to link the viewer")
	}
	if !strings.Contains(body, `id="layers"`) {
		t.Error("Expected page to carry the layers field")
	}
}

func TestSubmit(t *testing.T) {
	for _, mode := range []projection.Mode{projection.Eager, projection.Lazy} {
		t.Run(mode.String(), func(t *testing.T) {
			ts := newTestServer(t, mode, 4)
			sess := ts.createSession(t)
			path := "/sessions/" + sess.ID + "/submit"

			w := ts.do(t, http.MethodPost, path, strings.NewReader("3"), nil)
			if w.Code != http.StatusOK || w.Body.String() != "succeeded" {
				t.Fatalf("Expected succeeded, got %d %q", w.Code, w.Body.String())
			}
			if _, n := sess.Projected(); n != 3 {
				t.Errorf("Expected 3 layers, got %d", n)
			}

			form := url.Values{"layers": {"2"}}.Encode()
			w = ts.do(t, http.MethodPost, path, strings.NewReader(form),
				map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200 for form submit, got %d", w.Code)
			}
			if _, n := sess.Projected(); n != 2 {
				t.Errorf("Expected 2 layers, got %d", n)
			}

			for _, body := range []string{"-1", "abc", "", "1.5"} {
				w = ts.do(t, http.MethodPost, path, strings.NewReader(body), nil)
				if w.Code != http.StatusBadRequest {
					t.Errorf("Expected 400 for %q, got %d", body, w.Code)
				}
			}
			w = ts.do(t, http.MethodPost, path, strings.NewReader("-4"), nil)
			if !strings.Contains(w.Body.String(), projection.ErrInvalidParameter.Error()) {
				t.Errorf("Expected %q in reply, got %q", projection.ErrInvalidParameter, w.Body.String())
			}
			if _, n := sess.Projected(); n != 2 {
				t.Errorf("Expected rejected submits to keep 2 layers, got %d", n)
			}
		})
	}
}

func TestSubmitLatestSession(t *testing.T) {
	ts := newTestServer(t, projection.Lazy, 4)
	w := ts.do(t, http.MethodPost, "/submit", strings.NewReader("1"), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without sessions, got %d", w.Code)
	}

	first := ts.createSession(t)
	second := ts.createSession(t)
	w = ts.do(t, http.MethodPost, "/submit", strings.NewReader("4"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if _, n := second.Projected(); n != 4 {
		t.Errorf("Expected newest session to have 4 layers, got %d", n)
	}
	if _, n := first.Projected(); n != 1 {
		t.Errorf("Expected older session to keep 1 layer, got %d", n)
	}

	w = ts.do(t, http.MethodPost, "/submit?session="+first.ID, strings.NewReader("0"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if _, n := first.Projected(); n != 0 {
		t.Errorf("Expected named session to have 0 layers, got %d", n)
	}
}

func TestState(t *testing.T) {
	ts := newTestServer(t, projection.Lazy, 4)
	sess := ts.createSession(t)

	w := ts.do(t, http.MethodGet, "/sessions/"+sess.ID+"/state", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var state viewer.State
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if len(state.Layers) != 2 {
		t.Fatalf("Expected 2 layers, got %d", len(state.Layers))
	}
	want := "precomputed://http://example.com/sessions/" + sess.ID + "/projected"
	if state.Layers[1].Source != want {
		t.Errorf("Expected source %q, got %q", want, state.Layers[1].Source)
	}

	w = ts.do(t, http.MethodGet, "/sessions/"+sess.ID+"/state", nil,
		map[string]string{"X-Forwarded-Proto": "https"})
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	want = "precomputed://https://example.com/sessions/" + sess.ID + "/original"
	if state.Layers[0].Source != want {
		t.Errorf("Expected source %q behind a TLS proxy, got %q", want, state.Layers[0].Source)
	}

	w = ts.do(t, http.MethodGet, "/sessions/nope/state", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", w.Code)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, projection.Eager, 4)
	sess := ts.createSession(t)

	w := ts.do(t, http.MethodGet, "/sessions/"+sess.ID+"/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if resp.Mode != "eager" || resp.NumLayers != 1 {
		t.Errorf("Expected eager with 1 layer, got %s with %d", resp.Mode, resp.NumLayers)
	}
	if resp.Shape != testShape {
		t.Errorf("Expected shape %v, got %v", testShape, resp.Shape)
	}
	if len(resp.Channels) != testShape.Channels {
		t.Errorf("Expected %d channel stats, got %d", testShape.Channels, len(resp.Channels))
	}
}

func TestInfo(t *testing.T) {
	ts := newTestServer(t, projection.Lazy, 4)
	sess := ts.createSession(t)

	for _, layer := range []string{"original", "projected"} {
		w := ts.do(t, http.MethodGet, "/sessions/"+sess.ID+"/"+layer+"/info", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200 for %s, got %d", layer, w.Code)
		}
		var info precomputed.Info
		if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
			t.Fatalf("Failed to decode info: %v", err)
		}
		if info.NumChannels != 3 {
			t.Errorf("Expected 3 channels, got %d", info.NumChannels)
		}
		if got := info.Scales[0].Size; got != [3]int{4, 5, 6} {
			t.Errorf("Expected size [4 5 6], got %v", got)
		}
		if got := info.Scales[0].ChunkSizes[0]; got != [3]int{2, 2, 2} {
			t.Errorf("Expected chunk size [2 2 2], got %v", got)
		}
	}

	w := ts.do(t, http.MethodGet, "/sessions/"+sess.ID+"/other/info", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown layer, got %d", w.Code)
	}
}

// TestInfoUnits checks that the info resolution, always nanometers, matches
// the voxel size the viewer state states in the configured units.
func TestInfoUnits(t *testing.T) {
	opts := testOptions()
	opts.VoxelSize = [3]float64{0.5, 0.5, 2}
	opts.Units = "um"
	ts := newTestServerWithOptions(t, projection.Lazy, 4, opts)
	sess := ts.createSession(t)

	w := ts.do(t, http.MethodGet, "/sessions/"+sess.ID+"/projected/info", nil, nil)
	var info precomputed.Info
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("Failed to decode info: %v", err)
	}
	if got := info.Scales[0].Resolution; got != [3]float64{500, 500, 2000} {
		t.Errorf("Expected resolution [500 500 2000] nm, got %v", got)
	}

	w = ts.do(t, http.MethodGet, "/sessions/"+sess.ID+"/state", nil, nil)
	var state viewer.State
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if x := state.Dimensions["x"]; x[0] != 0.5 || x[1] != "um" {
		t.Errorf("Expected x dimension [0.5 um], got %v", x)
	}

	opts.Units = "parsec"
	if _, err := New(ts.manager, opts, logging.Discard()); !errors.Is(err, precomputed.ErrUnknownUnit) {
		t.Errorf("Expected ErrUnknownUnit, got %v", err)
	}
}

func TestChunk(t *testing.T) {
	b := precomputed.Bounds{
		X: models.Range{Start: 1, Stop: 3},
		Y: models.Range{Start: 0, Stop: 4},
		Z: models.Range{Start: 2, Stop: 6},
	}
	sel := models.Selection{X: b.X, Y: b.Y, Z: b.Z}

	vol := createTestVolume(42)
	projected, err := projection.Project(vol, 2)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	wantProjected, _ := projected.Subvolume(sel)
	wantOriginal, _ := vol.Subvolume(sel)

	for _, mode := range []projection.Mode{projection.Eager, projection.Lazy} {
		t.Run(mode.String(), func(t *testing.T) {
			ts := newTestServer(t, mode, 4)
			sess := ts.createSession(t)
			if err := sess.UseLayers(context.Background(), 2); err != nil {
				t.Fatalf("UseLayers failed: %v", err)
			}
			base := "/sessions/" + sess.ID

			w := ts.do(t, http.MethodGet, base+"/projected/s0/"+b.Key(), nil, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
				t.Errorf("Expected octet-stream, got %q", ct)
			}
			if !bytes.Equal(w.Body.Bytes(), wantProjected.Data) {
				t.Error("Projected chunk does not match the eager projection")
			}

			w = ts.do(t, http.MethodGet, base+"/original/s0/"+b.Key(), nil,
				map[string]string{"Accept-Encoding": "gzip, deflate"})
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			if w.Header().Get("Content-Encoding") != "gzip" {
				t.Fatal("Expected gzip encoding")
			}
			if !varies(w.Header(), "Accept-Encoding") {
				t.Errorf("Expected Vary to name Accept-Encoding, got %v", w.Header().Values("Vary"))
			}
			zr, err := gzip.NewReader(w.Body)
			if err != nil {
				t.Fatalf("Failed to open gzip body: %v", err)
			}
			data, err := io.ReadAll(zr)
			if err != nil {
				t.Fatalf("Failed to read gzip body: %v", err)
			}
			if !bytes.Equal(data, wantOriginal.Data) {
				t.Error("Original chunk does not match the volume")
			}
		})
	}
}

func varies(h http.Header, name string) bool {
	for _, v := range h.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(field), name) {
				return true
			}
		}
	}
	return false
}

func TestChunkErrors(t *testing.T) {
	ts := newTestServer(t, projection.Lazy, 4)
	sess := ts.createSession(t)
	base := "/sessions/" + sess.ID + "/projected/"

	tests := []struct {
		path string
		code int
	}{
		{base + "s0/0-4_0-5_0-7", http.StatusNotFound},
		{base + "s1/0-4_0-5_0-6", http.StatusNotFound},
		{base + "s0/0-4_0-5", http.StatusBadRequest},
		{base + "s0/a-4_0-5_0-6", http.StatusBadRequest},
		{base + "s0/2-2_0-5_0-6", http.StatusBadRequest},
		{"/sessions/nope/projected/s0/0-4_0-5_0-6", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if w := ts.do(t, http.MethodGet, tt.path, nil, nil); w.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t, projection.Lazy, 4)
	sess := ts.createSession(t)

	w := ts.do(t, http.MethodDelete, "/sessions/"+sess.ID, nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}
	if ts.manager.Len() != 0 {
		t.Errorf("Expected no sessions, got %d", ts.manager.Len())
	}
	w = ts.do(t, http.MethodDelete, "/sessions/"+sess.ID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", w.Code)
	}
}

func TestSessionEviction(t *testing.T) {
	ts := newTestServer(t, projection.Lazy, 2)
	a := ts.createSession(t)
	b := ts.createSession(t)
	c := ts.createSession(t)

	if ts.manager.Len() != 2 {
		t.Fatalf("Expected 2 sessions, got %d", ts.manager.Len())
	}
	if _, ok := ts.manager.Get(a.ID); ok {
		t.Error("Expected the oldest session to be dropped")
	}
	for _, sess := range []*Session{b, c} {
		if _, ok := ts.manager.Get(sess.ID); !ok {
			t.Errorf("Expected session %s to remain", sess.ID)
		}
	}
	if latest, _ := ts.manager.Latest(); latest.ID != c.ID {
		t.Errorf("Expected latest %s, got %s", c.ID, latest.ID)
	}
}

func TestUseLayersCanceled(t *testing.T) {
	ts := newTestServer(t, projection.Eager, 4)
	sess := ts.createSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sess.UseLayers(ctx, 3); err == nil {
		t.Fatal("Expected canceled recompute to fail")
	}
	if _, n := sess.Projected(); n != 1 {
		t.Errorf("Expected the previous projection to stay, got %d layers", n)
	}
}

// TestConcurrentReads reads chunks while the window changes; every response
// must match the projection for one of the windows submitted.
func TestConcurrentReads(t *testing.T) {
	ts := newTestServer(t, projection.Lazy, 4)
	sess := ts.createSession(t)
	key := precomputed.Bounds{X: models.Full(4), Y: models.Full(5), Z: models.Full(6)}.Key()
	path := "/sessions/" + sess.ID + "/projected/s0/" + key

	valid := make(map[string]bool)
	for n := 0; n <= 3; n++ {
		vol, err := projection.Project(ts.volume, n)
		if err != nil {
			t.Fatalf("Project failed: %v", err)
		}
		valid[string(vol.Data)] = true
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				w := ts.do(t, http.MethodGet, path, nil, nil)
				if w.Code != http.StatusOK {
					errs <- fmt.Errorf("status %d", w.Code)
					return
				}
				if !valid[w.Body.String()] {
					errs <- fmt.Errorf("chunk matches no submitted window")
					return
				}
			}
		}()
	}
	for n := 0; n <= 3; n++ {
		w := ts.do(t, http.MethodPost, "/sessions/"+sess.ID+"/submit", strings.NewReader(fmt.Sprint(n)), nil)
		if w.Code != http.StatusOK {
			t.Errorf("Submit %d failed with %d", n, w.Code)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
