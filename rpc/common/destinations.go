package common

import (
	"fmt"
	"os"
	"sort"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"gopkg.in/yaml.v3"
)

// Destination is a named connection target, the rfcunit equivalent of an sapnwrfc.ini entry.
type Destination struct {
	Endpoints     []string `yaml:"endpoints"`
	Transport     string   `yaml:"transport"`
	Serializer    string   `yaml:"serializer"`
	Client        string   `yaml:"client"`
	User          string   `yaml:"user"`
	Password      string   `yaml:"passwd"`
	Lang          string   `yaml:"lang"`
	TimeoutSecond int      `yaml:"timeout"`
	PoolSize      int      `yaml:"pool_size"`
}

// Destinations maps destination names to their settings.
type Destinations map[string]Destination

// LoadDestinations reads a YAML destinations file:
//
//	QAS:
//	  endpoints: ["localhost:3300"]
//	  transport: tcp
//	  client: "100"
//	  user: alice
//	  passwd: secret
func LoadDestinations(path string) (Destinations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read destinations: %w", err)
	}
	dests := Destinations{}
	if err := yaml.Unmarshal(data, &dests); err != nil {
		return nil, fmt.Errorf("parse destinations %s: %w", path, err)
	}
	return dests, nil
}

// Lookup returns the named destination or a logon failure naming the known ones.
func (d Destinations) Lookup(name string) (Destination, error) {
	dest, ok := d[name]
	if !ok {
		names := make([]string, 0, len(d))
		for n := range d {
			names = append(names, n)
		}
		sort.Strings(names)
		return Destination{}, rfc.Errorf(rfc.KindLogon, "destination %q not found (known: %v)", name, names)
	}
	return dest, nil
}

// ConnectionParams returns the logon parameters of the destination.
func (d Destination) ConnectionParams() rfc.ConnectionParams {
	params := rfc.ConnectionParams{}
	set := func(key, value string) {
		if value != "" {
			params[key] = value
		}
	}
	set(rfc.ParamClient, d.Client)
	set(rfc.ParamUser, d.User)
	set(rfc.ParamPassword, d.Password)
	set(rfc.ParamLang, d.Lang)
	if len(d.Endpoints) > 0 {
		set(rfc.ParamHost, d.Endpoints[0])
	}
	return params
}

// ClientConfig returns the transport configuration of the destination.
func (d Destination) ClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSecond: d.TimeoutSecond,
		Transport: ClientTransportConfig{
			Endpoints:              d.Endpoints,
			ConnectionsPerEndpoint: 1,
			TCPNoDelay:             true,
		},
	}
}
