package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotCacheable is returned when a non-GET identity is stored.
	ErrNotCacheable = errors.New("only GET requests are cacheable")

	// ErrGenerationGone is returned when writing into a deleted generation.
	ErrGenerationGone = errors.New("cache generation does not exist")
)

// Identity is the cache key of a request: method plus absolute URL.
type Identity struct {
	Method string
	URL    string
}

// IdentityOf returns the identity of r. Relative request URLs are expected to
// be resolved by the caller.
func IdentityOf(r *http.Request) Identity {
	return Identity{Method: r.Method, URL: r.URL.String()}
}

func (id Identity) String() string {
	return strings.ToUpper(id.Method) + " " + id.URL
}

// Cacheable reports whether entries may be stored under id.
func (id Identity) Cacheable() bool {
	return strings.EqualFold(id.Method, http.MethodGet)
}

func parseIdentity(s string) Identity {
	method, url, _ := strings.Cut(s, " ")
	return Identity{Method: method, URL: url}
}

// Entry is a captured response. Stored entries are never mutated; readers get
// a Clone.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Snapshot drains and closes resp.Body and returns the captured response.
// The result can be handed to any number of consumers through Clone.
func Snapshot(resp *http.Response) (Entry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	ent := Entry{
		Status:   resp.StatusCode,
		Header:   CloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Clone returns a copy sharing no memory with e.
func (e Entry) Clone() Entry {
	out := e
	out.Header = CloneHeader(e.Header)
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
