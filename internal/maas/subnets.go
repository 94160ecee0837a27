package maas

import (
	"context"
	"strconv"
)

// Subnet is a MAAS subnet, trimmed to the fields the gateway exposes.
type Subnet struct {
	ID         int      `json:"id"`
	Name       string   `json:"name"`
	CIDR       string   `json:"cidr"`
	GatewayIP  string   `json:"gateway_ip"`
	DNSServers []string `json:"dns_servers"`
	Managed    bool     `json:"managed"`
	Space      string   `json:"space"`
	VLAN       VLAN     `json:"vlan"`
}

// VLAN is a MAAS VLAN reference.
type VLAN struct {
	ID     int    `json:"id"`
	VID    int    `json:"vid"`
	Name   string `json:"name"`
	Fabric string `json:"fabric"`
	MTU    int    `json:"mtu"`
}

// ListSubnets returns all subnets.
func (c *Client) ListSubnets(ctx context.Context) ([]Subnet, error) {
	var subnets []Subnet
	if err := c.get(ctx, "/api/2.0/subnets/", nil, &subnets); err != nil {
		return nil, err
	}
	return subnets, nil
}

// GetSubnet returns one subnet by ID.
func (c *Client) GetSubnet(ctx context.Context, id int) (*Subnet, error) {
	var subnet Subnet
	if err := c.get(ctx, "/api/2.0/subnets/"+strconv.Itoa(id)+"/", nil, &subnet); err != nil {
		return nil, err
	}
	return &subnet, nil
}
