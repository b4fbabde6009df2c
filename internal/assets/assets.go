// Package assets tracks resources a userscript attached to the page. Assets
// belong to the page, not to an instance: a teardown never detaches them.
package assets

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zot/hotmonkey/internal/config"
)

// Kind is the kind of page resource.
type Kind string

const (
	KindStyle  Kind = "style"
	KindScript Kind = "script"
	KindOther  Kind = "other"
)

// KindOf derives an asset's kind from its URL.
func KindOf(url string) Kind {
	p := url
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css":
		return KindStyle
	case ".js", ".mjs":
		return KindScript
	}
	return KindOther
}

// Asset is one attached resource.
type Asset struct {
	URL      string    `json:"url"`
	Kind     Kind      `json:"kind"`
	Attached time.Time `json:"attached"`
	// Size is the fetched body length, -1 until a fetch succeeds
	Size int64 `json:"size"`
	Err  string `json:"error,omitempty"`
}

// FailureFunc receives fetch failures.
type FailureFunc func(url string, err error)

// Set is the set of assets attached to one page.
type Set struct {
	config  *config.Config
	client  *http.Client
	onFail  FailureFunc
	assets  map[string]*Asset
	order   []string
	fetches sync.WaitGroup
	mu      sync.RWMutex
}

// NewSet creates an empty set. A nil client uses a client with a short timeout.
func NewSet(cfg *config.Config, client *http.Client, onFail FailureFunc) *Set {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Set{
		config: cfg,
		client: client,
		onFail: onFail,
		assets: make(map[string]*Asset),
	}
}

// Attached reports whether url is already on the page.
func (s *Set) Attached(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.assets[url]
	return ok
}

// Attach adds url to the page unless it is already there and starts fetching
// it in the background. It returns false when nothing was attached.
func (s *Set) Attach(url string) bool {
	s.mu.Lock()
	if _, ok := s.assets[url]; ok {
		s.mu.Unlock()
		return false
	}
	a := &Asset{URL: url, Kind: KindOf(url), Attached: time.Now(), Size: -1}
	s.assets[url] = a
	s.order = append(s.order, url)
	s.mu.Unlock()

	s.config.Log(2, "Assets: attached %s (%s)", url, a.Kind)
	s.fetches.Add(1)
	go func() {
		defer s.fetches.Done()
		s.fetch(a)
	}()
	return true
}

// AttachMissing attaches every url not yet on the page and returns the ones
// it attached.
func (s *Set) AttachMissing(urls []string) []string {
	var added []string
	for _, url := range urls {
		if s.Attach(url) {
			added = append(added, url)
		}
	}
	return added
}

func (s *Set) fetch(a *Asset) {
	size, err := s.get(a.URL)
	s.mu.Lock()
	if err != nil {
		a.Err = err.Error()
	} else {
		a.Size = size
		a.Err = ""
	}
	s.mu.Unlock()
	if err != nil {
		s.config.Log(1, "Assets: fetch %s failed: %v", a.URL, err)
		if s.onFail != nil {
			s.onFail(a.URL, err)
		}
	}
}

func (s *Set) get(url string) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("status %s", resp.Status)
	}
	return io.Copy(io.Discard, resp.Body)
}

// Wait blocks until every started fetch finished.
func (s *Set) Wait() {
	s.fetches.Wait()
}

// List returns the attached assets in attachment order.
func (s *Set) List() []Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Asset, 0, len(s.order))
	for _, url := range s.order {
		out = append(out, *s.assets[url])
	}
	return out
}

// URLs returns the attached urls, sorted.
func (s *Set) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := slices.Clone(s.order)
	slices.Sort(urls)
	return urls
}

// Clear detaches everything; used when the page navigates.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = make(map[string]*Asset)
	s.order = nil
}
