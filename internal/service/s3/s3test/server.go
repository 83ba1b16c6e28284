// Package s3test provides an in-process S3-compatible server for tests. It
// understands path-style HeadBucket, HeadObject, GetObject, conditional
// PutObject and ListObjectsV2.
package s3test

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

type object struct {
	data []byte
	etag string
}

// Server is a fake S3 endpoint holding objects for a single bucket.
type Server struct {
	*httptest.Server

	Bucket string

	mu      sync.Mutex
	objects map[string]object
	puts    int
}

// NewServer starts a fake server and closes it when the test ends.
func NewServer(t testing.TB, bucket string) *Server {
	t.Helper()
	s := &Server{Bucket: bucket, objects: make(map[string]object)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Object returns the raw bytes stored under key.
func (s *Server) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj.data, ok
}

// PutCount reports how many successful PUTs the server handled.
func (s *Server) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != s.Bucket {
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		s.list(w, r.URL.Query().Get("prefix"))
	case key != "" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		s.get(w, r, key)
	case key != "" && r.Method == http.MethodPut:
		s.put(w, r, key)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, key string) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()

	if !ok {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusNotFound, "NoSuchKey")
		return
	}

	w.Header().Set("ETag", obj.etag)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(obj.data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(obj.data)
	}
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, key string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "IncompleteBody")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.objects[key]
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		if !exists {
			writeError(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		if ifMatch != current.etag {
			writeError(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
	}
	if r.Header.Get("If-None-Match") == "*" && exists {
		writeError(w, http.StatusPreconditionFailed, "PreconditionFailed")
		return
	}

	obj := object{data: data, etag: etagOf(data)}
	// Identical bodies share an MD5; salt with the write count so every PUT
	// yields a new ETag.
	if exists && obj.etag == current.etag {
		obj.etag = etagOf(append(append([]byte{}, data...), byte(s.puts)))
	}
	s.objects[key] = obj
	s.puts++

	w.Header().Set("ETag", obj.etag)
	w.WriteHeader(http.StatusOK)
}

type listResult struct {
	XMLName     xml.Name       `xml:"ListBucketResult"`
	Xmlns       string         `xml:"xmlns,attr"`
	Name        string         `xml:"Name"`
	Prefix      string         `xml:"Prefix"`
	KeyCount    int            `xml:"KeyCount"`
	MaxKeys     int            `xml:"MaxKeys"`
	IsTruncated bool           `xml:"IsTruncated"`
	Contents    []listContents `xml:"Contents"`
}

type listContents struct {
	Key  string `xml:"Key"`
	ETag string `xml:"ETag"`
	Size int    `xml:"Size"`
}

func (s *Server) list(w http.ResponseWriter, prefix string) {
	s.mu.Lock()
	result := listResult{
		Xmlns:   "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:    s.Bucket,
		Prefix:  prefix,
		MaxKeys: 1000,
	}
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			result.Contents = append(result.Contents, listContents{Key: key, ETag: obj.etag, Size: len(obj.data)})
		}
	}
	s.mu.Unlock()

	sort.Slice(result.Contents, func(i, j int) bool { return result.Contents[i].Key < result.Contents[j].Key })
	result.KeyCount = len(result.Contents)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(result)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}
