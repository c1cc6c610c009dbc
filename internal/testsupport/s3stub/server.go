// Package s3stub hosts an in-memory, path-style S3 fake for object store and
// worker tests. It answers GET, HEAD and PUT with S3-shaped XML errors, records
// the order of successful PUTs, and can be told to refuse specific keys or
// every request.
package s3stub

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type Server struct {
	mu       sync.Mutex
	objects  map[string]map[string][]byte
	types    map[string]string
	puts     []string
	failPuts map[string]bool
	down     bool
	http     *httptest.Server
}

// Start launches the fake with the given buckets already created.
func Start(buckets ...string) *Server {
	s := &Server{
		objects:  make(map[string]map[string][]byte),
		types:    make(map[string]string),
		failPuts: make(map[string]bool),
	}
	for _, bucket := range buckets {
		s.objects[bucket] = make(map[string][]byte)
	}
	s.http = httptest.NewServer(s)
	return s
}

// URL is the endpoint clients should use.
func (s *Server) URL() string { return s.http.URL }

// Close stops the listener.
func (s *Server) Close() { s.http.Close() }

// Put seeds an object.
func (s *Server) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[bucket]; !ok {
		s.objects[bucket] = make(map[string][]byte)
	}
	s.objects[bucket][key] = append([]byte(nil), data...)
}

// Get returns a copy of a stored object.
func (s *Server) Get(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Keys lists stored keys in a bucket under prefix.
func (s *Server) Keys(bucket, prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

// ContentType returns the Content-Type the object was uploaded with.
func (s *Server) ContentType(bucket, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[bucket+"/"+key]
}

// PutOrder lists successfully uploaded keys in arrival order.
func (s *Server) PutOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.puts...)
}

// FailPut makes uploads of key fail with AccessDenied.
func (s *Server) FailPut(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts[key] = true
}

// SetDown makes every request fail with AccessDenied while true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	bucket, key, err := parsePath(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		writeError(w, http.StatusForbidden, "AccessDenied")
		return
	}
	bucketObjects, exists := s.objects[bucket]
	if !exists {
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	switch r.Method {
	case http.MethodPut:
		if s.failPuts[key] {
			writeError(w, http.StatusForbidden, "AccessDenied")
			return
		}
		bucketObjects[key] = append([]byte(nil), body...)
		s.types[bucket+"/"+key] = r.Header.Get("Content-Type")
		s.puts = append(s.puts, key)
		w.Header().Set("ETag", `"stub"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := bucketObjects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeError(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func parsePath(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	return bucket, key, nil
}
