package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKey(t *testing.T) {
	m := newTestManager(t, nil)

	tests := []struct {
		name     string
		resource string
		uri      string
		params   map[string]string
		opts     *KeyOptions
		want     string
	}{
		{
			name:     "resource and path only",
			resource: "machine",
			uri:      "maas://machines",
			want:     "machine:machines",
		},
		{
			name:     "system_id appended",
			resource: "machine",
			uri:      "maas://machines/abc123",
			params:   map[string]string{"system_id": "abc123"},
			want:     "machine:machines/abc123:abc123",
		},
		{
			name:     "system_id wins over id and name",
			resource: "machine",
			uri:      "maas://machines/abc123",
			params: map[string]string{
				"name":      "node1",
				"id":        "42",
				"system_id": "abc123",
			},
			want: "machine:machines/abc123:abc123",
		},
		{
			name:     "id wins over name",
			resource: "subnet",
			uri:      "maas://subnets/7",
			params:   map[string]string{"name": "mgmt", "id": "7"},
			want:     "subnet:subnets/7:7",
		},
		{
			name:     "empty id param is skipped",
			resource: "machine",
			uri:      "maas://machines",
			params:   map[string]string{"system_id": "", "name": "node1"},
			want:     "machine:machines:node1",
		},
		{
			name:     "query params excluded by default",
			resource: "machine",
			uri:      "maas://machines?zone=default&hostname=node1",
			want:     "machine:machines",
		},
		{
			name:     "query params included and sorted",
			resource: "machine",
			uri:      "maas://machines?zone=default&hostname=node1",
			opts:     &KeyOptions{IncludeQueryParams: true},
			want:     "machine:machines:hostname=node1&zone=default",
		},
		{
			name:     "query params restricted to list",
			resource: "machine",
			uri:      "maas://machines?zone=default&hostname=node1",
			opts: &KeyOptions{
				IncludeQueryParams: true,
				QueryParams:        []string{"zone"},
			},
			want: "machine:machines:zone=default",
		},
		{
			name:     "plain path uri",
			resource: "machine",
			uri:      "/MAAS/api/2.0/machines/",
			want:     "machine:/MAAS/api/2.0/machines/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.GenerateKey(tt.resource, tt.uri, tt.params, tt.opts)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateKeyCustomGenerator(t *testing.T) {
	m := newTestManager(t, nil)

	opts := &KeyOptions{
		KeyGenerator: func(uri string, params map[string]string) string {
			return "custom:" + uri + ":" + params["system_id"]
		},
	}

	got := m.GenerateKey("machine", "maas://machines", map[string]string{"system_id": "abc"}, opts)
	assert.Equal(t, "custom:maas://machines:abc", got)
}

func TestCanonicalQueryStability(t *testing.T) {
	m := newTestManager(t, nil)
	opts := &KeyOptions{IncludeQueryParams: true}

	// Parameter order in the URI never changes the key.
	a := m.GenerateKey("machine", "maas://machines?a=1&b=2", nil, opts)
	b := m.GenerateKey("machine", "maas://machines?b=2&a=1", nil, opts)
	assert.Equal(t, a, b)
}
