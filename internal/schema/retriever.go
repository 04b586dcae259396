package schema

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"

	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/protocol"
)

const maxSearchResults = 50

// HTTPRetriever fetches schemas over HTTP and searches a schemastore-style
// catalog ({"schemas":[{"name","description","url","fileMatch"}]}).
// Fetched schemas are cached for the configured TTL.
type HTTPRetriever struct {
	client     *http.Client
	catalogURL string
	cache      *ttlcache.Cache[string, *jsonv.Value]

	mu      sync.Mutex
	catalog []protocol.SchemaInfo
}

func NewHTTPRetriever(catalogURL string, ttl time.Duration) *HTTPRetriever {
	cache := ttlcache.New[string, *jsonv.Value](
		ttlcache.WithTTL[string, *jsonv.Value](ttl),
	)
	go cache.Start()
	return &HTTPRetriever{
		client:     &http.Client{Timeout: 15 * time.Second},
		catalogURL: catalogURL,
		cache:      cache,
	}
}

func (r *HTTPRetriever) Close() {
	r.cache.Stop()
}

func (r *HTTPRetriever) GetSchema(ctx context.Context, url string) (*jsonv.Value, error) {
	if item := r.cache.Get(url); item != nil {
		return item.Value(), nil
	}
	body, err := r.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	schema, err := jsonv.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", url, err)
	}
	r.cache.Set(url, schema, ttlcache.DefaultTTL)
	glog.V(1).Infof("[schema] fetched %s (%d bytes)", url, len(body))
	return schema, nil
}

func (r *HTTPRetriever) SearchSchemas(ctx context.Context, query string) ([]protocol.SchemaInfo, error) {
	catalog, err := r.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return Search(catalog, query), nil
}

func (r *HTTPRetriever) loadCatalog(ctx context.Context) ([]protocol.SchemaInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog != nil {
		return r.catalog, nil
	}
	if r.catalogURL == "" {
		return nil, nil
	}
	body, err := r.fetch(ctx, r.catalogURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	doc, err := jsonv.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	r.catalog = CatalogEntries(doc)
	glog.Infof("[schema] catalog loaded with %d schemas", len(r.catalog))
	return r.catalog, nil
}

func (r *HTTPRetriever) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// StaticRetriever serves schemas from memory.
type StaticRetriever struct {
	Schemas map[string]*jsonv.Value
	Catalog []protocol.SchemaInfo
}

func (r *StaticRetriever) GetSchema(_ context.Context, url string) (*jsonv.Value, error) {
	s, ok := r.Schemas[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return s.Clone(), nil
}

func (r *StaticRetriever) SearchSchemas(_ context.Context, query string) ([]protocol.SchemaInfo, error) {
	return Search(r.Catalog, query), nil
}

// CatalogEntries reads the "schemas" list of a catalog document.
func CatalogEntries(doc *jsonv.Value) []protocol.SchemaInfo {
	list, ok := doc.Field("schemas")
	if !ok || list.Kind() != jsonv.Array {
		return []protocol.SchemaInfo{}
	}
	out := make([]protocol.SchemaInfo, 0, list.Len())
	for _, item := range list.Items() {
		if item.Kind() != jsonv.Object {
			continue
		}
		info := protocol.SchemaInfo{
			Name:        str(item, "name"),
			Description: str(item, "description"),
			URL:         str(item, "url"),
		}
		if fm, ok := item.Field("fileMatch"); ok && fm.Kind() == jsonv.Array {
			for _, m := range fm.Items() {
				info.FileMatch = append(info.FileMatch, m.Str())
			}
		}
		if info.URL != "" {
			out = append(out, info)
		}
	}
	return out
}

// Search ranks catalog entries for a query: name prefix matches first, then
// name substring, then description or file pattern matches.
func Search(catalog []protocol.SchemaInfo, query string) []protocol.SchemaInfo {
	q := strings.ToLower(strings.TrimSpace(query))
	type hit struct {
		info protocol.SchemaInfo
		rank int
	}
	var hits []hit
	for _, info := range catalog {
		name := strings.ToLower(info.Name)
		rank := -1
		switch {
		case q == "":
			rank = 3
		case strings.HasPrefix(name, q):
			rank = 0
		case strings.Contains(name, q):
			rank = 1
		case strings.Contains(strings.ToLower(info.Description), q) || matchesFile(info.FileMatch, q):
			rank = 2
		}
		if rank >= 0 {
			hits = append(hits, hit{info, rank})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].rank < hits[j].rank })
	if len(hits) > maxSearchResults {
		hits = hits[:maxSearchResults]
	}
	out := make([]protocol.SchemaInfo, len(hits))
	for i, h := range hits {
		out[i] = h.info
	}
	return out
}

func matchesFile(patterns []string, q string) bool {
	for _, p := range patterns {
		if strings.Contains(strings.ToLower(p), q) {
			return true
		}
	}
	return false
}
