package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zenazn/goji/web"

	"zprojector/internal/models"
	"zprojector/pkg/loader"
	"zprojector/pkg/precomputed"
	"zprojector/pkg/projection"
	"zprojector/pkg/viewer"
)

const (
	originalPath  = "original"
	projectedPath = "projected"

	// maxSubmitBody bounds the layer count payload
	maxSubmitBody = 64
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>Z-Projection</title></head>
<body>
<h2>Z-Projection</h2>
<p>Session {{.ID}} ({{.Mode}}), current window half-width {{.NumLayers}}.</p>
<form id="layers-form">
  <label for="layers">Number of layers:</label>
  <input type="number" id="layers" name="layers" min="0" value="{{.NumLayers}}">
  <button type="submit">Submit</button>
</form>
<p id="status"></p>
<p><a href="{{.ViewerURL}}" target="_blank">Open viewer</a></p>
<script>
document.getElementById("layers-form").addEventListener("submit", function (e) {
  e.preventDefault();
  var status = document.getElementById("status");
  fetch({{.SubmitPath}}, {method: "POST", body: document.getElementById("layers").value})
    .then(function (r) { return r.text(); })
    .then(function (t) { status.textContent = t; })
    .catch(function (err) { status.textContent = err; });
});
</script>
</body>
</html>
`))

type indexPage struct {
	ID         string
	Mode       string
	NumLayers  int
	SubmitPath string
	ViewerURL  template.URL
}

// indexHandler starts a session and serves the form that drives it.
func (s *Server) indexHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Create(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	link, err := s.viewerState(r, sess).URL(s.opts.NeuroglancerURL)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	_, numLayers := sess.Projected()
	page := indexPage{
		ID:         sess.ID,
		Mode:       sess.Mode().String(),
		NumLayers:  numLayers,
		SubmitPath: "/sessions/" + sess.ID + "/submit",
		ViewerURL:  template.URL(link),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, page); err != nil {
		s.log.WithError(err).Warn("Failed to render index")
	}
}

// submitHandler recomputes a session's projection. The session comes from
// the route, the "session" query parameter, or else the newest session.
func (s *Server) submitHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.submitSession(c, r)
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	numLayers, err := parseLayers(w, r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := sess.UseLayers(r.Context(), numLayers); err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "succeeded")
}

func (s *Server) submitSession(c web.C, r *http.Request) (*Session, bool) {
	if id, ok := c.URLParams["id"]; ok {
		return s.manager.Get(id)
	}
	if id := r.URL.Query().Get("session"); id != "" {
		return s.manager.Get(id)
	}
	return s.manager.Latest()
}

// parseLayers reads a non-negative integer from a raw body, or from the
// "layers" field of a urlencoded form.
func parseLayers(w http.ResponseWriter, r *http.Request) (int, error) {
	var text string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)
		if err := r.ParseForm(); err != nil {
			return 0, fmt.Errorf("cannot parse form: %v", err)
		}
		text = r.PostForm.Get("layers")
	} else {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody+1))
		if err != nil {
			return 0, fmt.Errorf("cannot read body: %v", err)
		}
		if len(data) > maxSubmitBody {
			return 0, fmt.Errorf("body exceeds %d bytes", maxSubmitBody)
		}
		text = string(data)
	}
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("number of layers must be an integer, got %q", text)
	}
	if n < 0 {
		return 0, fmt.Errorf("number of layers must be non-negative, got %d: %w", n, projection.ErrInvalidParameter)
	}
	return n, nil
}

// stateHandler returns the neuroglancer state for a session.
func (s *Server) stateHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(c.URLParams["id"])
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	writeJSON(w, r, s.viewerState(r, sess))
}

func (s *Server) viewerState(r *http.Request, sess *Session) viewer.State {
	base := requestScheme(r) + "://" + r.Host + "/sessions/" + sess.ID + "/"
	return viewer.NewState(viewer.Params{
		OriginalSource:  base + originalPath,
		ProjectedSource: base + projectedPath,
		Channels:        sess.Original().Shape().Channels,
		VoxelSize:       s.opts.VoxelSize,
		Units:           s.opts.Units,
	})
}

// requestScheme is the scheme the client used, honoring a TLS-terminating
// proxy's X-Forwarded-Proto.
func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		proto = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
		if proto == "http" || proto == "https" {
			return proto
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

type statsResponse struct {
	ID        string                `json:"id"`
	Mode      string                `json:"mode"`
	NumLayers int                   `json:"numLayers"`
	Shape     models.Shape          `json:"shape"`
	Channels  []loader.ChannelStats `json:"channels"`
}

// statsHandler reports the session's settings and the original's intensity
// statistics.
func (s *Server) statsHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(c.URLParams["id"])
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	_, numLayers := sess.Projected()
	writeJSON(w, r, statsResponse{
		ID:        sess.ID,
		Mode:      sess.Mode().String(),
		NumLayers: numLayers,
		Shape:     sess.Original().Shape(),
		Channels:  s.manager.Stats(),
	})
}

func (s *Server) deleteHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	if !s.manager.Delete(c.URLParams["id"]) {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// layerSource resolves the :id and :layer route parameters.
func (s *Server) layerSource(c web.C) (precomputed.Source, bool) {
	sess, ok := s.manager.Get(c.URLParams["id"])
	if !ok {
		return nil, false
	}
	switch c.URLParams["layer"] {
	case originalPath:
		return sess.Original(), true
	case projectedPath:
		src, _ := sess.Projected()
		return src, true
	}
	return nil, false
}

func (s *Server) infoHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	src, ok := s.layerSource(c)
	if !ok {
		http.Error(w, "no such layer", http.StatusNotFound)
		return
	}
	writeJSON(w, r, precomputed.NewInfo(src.Shape(), s.resolution, s.opts.ChunkSize))
}

// chunkHandler serves one raw chunk, gzipped when the client accepts it.
func (s *Server) chunkHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	src, ok := s.layerSource(c)
	if !ok {
		http.Error(w, "no such layer", http.StatusNotFound)
		return
	}
	if scale := c.URLParams["scale"]; scale != precomputed.ScaleKey {
		http.Error(w, fmt.Sprintf("no scale %q", scale), http.StatusNotFound)
		return
	}
	bounds, err := precomputed.ParseChunkKey(c.URLParams["chunk"])
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	data, err := precomputed.ReadChunk(src, bounds)
	if errors.Is(err, models.ErrOutOfRange) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Add("Vary", "Accept-Encoding")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Write(data)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(data); err != nil {
		s.log.WithError(err).Warn("Failed to write chunk")
	}
	if err := zw.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to flush chunk")
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	http.Error(w, fmt.Sprintf("bad request %s: %s", r.URL.Path, message), http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot encode response for %s: %v", r.URL.Path, err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
