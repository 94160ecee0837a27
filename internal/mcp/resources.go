package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/metalmcp/metalmcp/internal/cache"
	"github.com/metalmcp/metalmcp/internal/maas"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// Resource names used for cache keys and invalidation.
const (
	resourceMachines = "machines"
	resourceMachine  = "machine"
	resourceSubnets  = "subnets"
	resourceSubnet   = "subnet"
)

const jsonMimeType = "application/json"

// ResourceDescriptor describes one readable resource.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// ResourceContent is one content block of a resources/read result.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// ResourceMeta reports cache provenance for a read.
type ResourceMeta struct {
	Cached       bool               `json:"cached"`
	AgeSeconds   float64            `json:"ageSeconds,omitempty"`
	CacheControl cache.CacheControl `json:"cacheControl,omitempty"`
}

// ReadResourceResult is the resources/read result.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
	Meta     *ResourceMeta     `json:"_meta,omitempty"`
}

// ListResourcesResult is the resources/list result.
type ListResourcesResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

func (s *Server) listResources() ListResourcesResult {
	return ListResourcesResult{
		Resources: []ResourceDescriptor{
			{
				URI:         "maas://machines",
				Name:        "Machines",
				Description: "All machines known to the provisioning API. Supports hostname, zone, pool and tags query filters.",
				MimeType:    jsonMimeType,
			},
			{
				URI:         "maas://machines/{system_id}",
				Name:        "Machine",
				Description: "One machine by system ID.",
				MimeType:    jsonMimeType,
			},
			{
				URI:         "maas://subnets",
				Name:        "Subnets",
				Description: "All subnets.",
				MimeType:    jsonMimeType,
			},
			{
				URI:         "maas://subnets/{id}",
				Name:        "Subnet",
				Description: "One subnet by ID.",
				MimeType:    jsonMimeType,
			},
		},
	}
}

// readResource serves a resources/read request through the cache.
func (s *Server) readResource(ctx context.Context, uri string) (*ReadResourceResult, *RPCError) {
	scheme, rest, found := strings.Cut(uri, "://")
	if !found || scheme != "maas" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unsupported resource URI %q", uri)}
	}

	path := rest
	if before, _, ok := strings.Cut(rest, "?"); ok {
		path = before
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case segments[0] == "machines" && len(segments) == 1:
		return s.readCached(ctx, resourceMachines, uri, nil,
			&cache.KeyOptions{IncludeQueryParams: true},
			func(ctx context.Context) (any, error) {
				return s.upstream.ListMachines(ctx, machineFiltersFromURI(uri))
			})

	case segments[0] == "machines" && len(segments) == 2 && segments[1] != "":
		systemID := segments[1]
		return s.readCached(ctx, resourceMachine, uri,
			map[string]string{"system_id": systemID}, nil,
			func(ctx context.Context) (any, error) {
				return s.upstream.GetMachine(ctx, systemID)
			})

	case segments[0] == "subnets" && len(segments) == 1:
		return s.readCached(ctx, resourceSubnets, uri, nil, nil,
			func(ctx context.Context) (any, error) {
				return s.upstream.ListSubnets(ctx)
			})

	case segments[0] == "subnets" && len(segments) == 2 && segments[1] != "":
		id, err := strconv.Atoi(segments[1])
		if err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "subnet ID must be numeric"}
		}
		return s.readCached(ctx, resourceSubnet, uri,
			map[string]string{"id": segments[1]}, nil,
			func(ctx context.Context) (any, error) {
				return s.upstream.GetSubnet(ctx, id)
			})
	}

	return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown resource URI %q", uri)}
}

// readCached is the lookaside read path: consult the cache, fall back to
// the upstream on a miss, and store what came back.
func (s *Server) readCached(
	ctx context.Context,
	resource, uri string,
	params map[string]string,
	keyOpts *cache.KeyOptions,
	fetch func(ctx context.Context) (any, error),
) (*ReadResourceResult, *RPCError) {
	key := s.cache.GenerateKey(resource, uri, params, keyOpts)

	if entry, ok := s.cache.GetEntry(ctx, key); ok {
		s.logger.Debug("resource served from cache",
			observability.String("uri", uri),
			observability.String("key", key))
		return newReadResult(uri, entry.Value, &ResourceMeta{
			Cached:       true,
			AgeSeconds:   entry.Age().Seconds(),
			CacheControl: entry.CacheControl,
		})
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, s.upstreamError(err)
	}

	s.cache.Set(ctx, key, value, resource, nil)

	return newReadResult(uri, value, &ResourceMeta{Cached: false})
}

// machineFiltersFromURI extracts list filters from the URI query string.
func machineFiltersFromURI(uri string) maas.MachineFilters {
	var filters maas.MachineFilters

	_, query, found := strings.Cut(uri, "?")
	if !found {
		return filters
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return filters
	}

	filters.Hostname = values.Get("hostname")
	filters.Zone = values.Get("zone")
	filters.Pool = values.Get("pool")
	filters.Tags = values["tags"]
	return filters
}

func newReadResult(uri string, value any, meta *ResourceMeta) (*ReadResourceResult, *RPCError) {
	text, err := json.Marshal(value)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: "encoding resource failed"}
	}

	return &ReadResourceResult{
		Contents: []ResourceContent{
			{URI: uri, MimeType: jsonMimeType, Text: string(text)},
		},
		Meta: meta,
	}, nil
}
