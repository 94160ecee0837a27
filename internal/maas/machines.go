package maas

import (
	"context"
	"net/url"
	"strconv"
)

// Machine is a MAAS machine, trimmed to the fields the gateway exposes.
type Machine struct {
	SystemID     string   `json:"system_id"`
	Hostname     string   `json:"hostname"`
	FQDN         string   `json:"fqdn"`
	Status       int      `json:"status"`
	StatusName   string   `json:"status_name"`
	Architecture string   `json:"architecture"`
	CPUCount     int      `json:"cpu_count"`
	MemoryMB     int64    `json:"memory"`
	PowerState   string   `json:"power_state"`
	OSystem      string   `json:"osystem"`
	DistroSeries string   `json:"distro_series"`
	TagNames     []string `json:"tag_names"`
	IPAddresses  []string `json:"ip_addresses"`
	Zone         Zone     `json:"zone"`
	Pool         Pool     `json:"pool"`
}

// Zone is a MAAS availability zone reference.
type Zone struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Pool is a MAAS resource pool reference.
type Pool struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// MachineFilters narrows ListMachines results. Zero values are omitted.
type MachineFilters struct {
	Hostname string
	Zone     string
	Pool     string
	Tags     []string
}

func (f MachineFilters) values() url.Values {
	v := url.Values{}
	if f.Hostname != "" {
		v.Set("hostname", f.Hostname)
	}
	if f.Zone != "" {
		v.Set("zone", f.Zone)
	}
	if f.Pool != "" {
		v.Set("pool", f.Pool)
	}
	for _, tag := range f.Tags {
		v.Add("tags", tag)
	}
	return v
}

// ListMachines returns the machines visible to the API key, optionally
// filtered.
func (c *Client) ListMachines(ctx context.Context, filters MachineFilters) ([]Machine, error) {
	var machines []Machine
	if err := c.get(ctx, "/api/2.0/machines/", filters.values(), &machines); err != nil {
		return nil, err
	}
	return machines, nil
}

// GetMachine returns one machine by system ID.
func (c *Client) GetMachine(ctx context.Context, systemID string) (*Machine, error) {
	var machine Machine
	if err := c.get(ctx, "/api/2.0/machines/"+systemID+"/", nil, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

// AllocateParams constrains machine allocation.
type AllocateParams struct {
	Hostname string
	Zone     string
	Pool     string
	Tags     []string
	MinCPU   int
	MinMemMB int64
}

func (p AllocateParams) values() url.Values {
	v := url.Values{}
	v.Set("op", "allocate")
	if p.Hostname != "" {
		v.Set("name", p.Hostname)
	}
	if p.Zone != "" {
		v.Set("zone", p.Zone)
	}
	if p.Pool != "" {
		v.Set("pool", p.Pool)
	}
	for _, tag := range p.Tags {
		v.Add("tags", tag)
	}
	if p.MinCPU > 0 {
		v.Set("cpu_count", strconv.Itoa(p.MinCPU))
	}
	if p.MinMemMB > 0 {
		v.Set("mem", strconv.FormatInt(p.MinMemMB, 10))
	}
	return v
}

// AllocateMachine reserves a ready machine matching the constraints.
func (c *Client) AllocateMachine(ctx context.Context, params AllocateParams) (*Machine, error) {
	var machine Machine
	if err := c.post(ctx, "/api/2.0/machines/?"+params.values().Encode(), nil, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

// DeployParams configures a deployment.
type DeployParams struct {
	DistroSeries string
	UserData     string
}

// DeployMachine starts OS deployment on an allocated machine.
func (c *Client) DeployMachine(ctx context.Context, systemID string, params DeployParams) (*Machine, error) {
	v := url.Values{}
	if params.DistroSeries != "" {
		v.Set("distro_series", params.DistroSeries)
	}
	if params.UserData != "" {
		v.Set("user_data", params.UserData)
	}

	var machine Machine
	if err := c.post(ctx, "/api/2.0/machines/"+systemID+"/?op=deploy", v, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

// ReleaseMachine returns a machine to the ready pool.
func (c *Client) ReleaseMachine(ctx context.Context, systemID, comment string) (*Machine, error) {
	v := url.Values{}
	if comment != "" {
		v.Set("comment", comment)
	}

	var machine Machine
	if err := c.post(ctx, "/api/2.0/machines/"+systemID+"/?op=release", v, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

// PowerOn powers a machine on.
func (c *Client) PowerOn(ctx context.Context, systemID string) (*Machine, error) {
	var machine Machine
	if err := c.post(ctx, "/api/2.0/machines/"+systemID+"/?op=power_on", nil, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

// PowerOff powers a machine off.
func (c *Client) PowerOff(ctx context.Context, systemID string) (*Machine, error) {
	var machine Machine
	if err := c.post(ctx, "/api/2.0/machines/"+systemID+"/?op=power_off", nil, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}
