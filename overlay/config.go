package overlay

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"vpcnat/prefix"
)

type PrefixConfig struct {
	Cidr  string `yaml:"cidr"`
	Ports string `yaml:"ports"`
}

type StatefulConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type PortForwardingConfig struct {
	Protocol    string        `yaml:"protocol"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// NatModeConfig - exactly one mode may be set
type NatModeConfig struct {
	Stateful       *StatefulConfig       `yaml:"stateful"`
	Stateless      *struct{}             `yaml:"stateless"`
	PortForwarding *PortForwardingConfig `yaml:"port_forwarding"`
}

type ExposeConfig struct {
	Default bool           `yaml:"default"`
	Ips     []PrefixConfig `yaml:"ips"`
	Nots    []PrefixConfig `yaml:"nots"`
	As      []PrefixConfig `yaml:"as"`
	NotAs   []PrefixConfig `yaml:"not_as"`
	Nat     *NatModeConfig `yaml:"nat"`
}

type ManifestConfig struct {
	Vpc    string         `yaml:"vpc"`
	Expose []ExposeConfig `yaml:"expose"`
}

type PeeringConfig struct {
	Name    string         `yaml:"name"`
	GwGroup string         `yaml:"gwgroup"`
	Left    ManifestConfig `yaml:"left"`
	Right   ManifestConfig `yaml:"right"`
}

type VpcConfig struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
	Vni  uint32 `yaml:"vni"`
}

// Config is the YAML form of an Overlay.
type Config struct {
	Vpcs     []VpcConfig     `yaml:"vpcs"`
	Peerings []PeeringConfig `yaml:"peerings"`
}

// LoadConfig reads an overlay from a YAML file. The overlay is not validated.
func LoadConfig(path string) (*Overlay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open config %s", path)
	}
	defer f.Close()
	return DecodeConfig(f)
}

func DecodeConfig(r io.Reader) (*Overlay, error) {
	var cfg Config
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	log.Debug().Msgf("Config: %+v", cfg)
	return cfg.Build()
}

// Build converts the YAML model to an Overlay.
func (c *Config) Build() (*Overlay, error) {
	ov := New()
	for _, vc := range c.Vpcs {
		v, err := NewVpc(vc.Name, vc.ID, vc.Vni)
		if err != nil {
			return nil, errors.Wrapf(err, "vpc %s", vc.Name)
		}
		if err := ov.VpcTable.Add(v); err != nil {
			return nil, errors.Wrapf(err, "vpc %s", vc.Name)
		}
	}
	for _, pc := range c.Peerings {
		left, err := pc.Left.build()
		if err != nil {
			return nil, errors.Wrapf(err, "peering %s", pc.Name)
		}
		right, err := pc.Right.build()
		if err != nil {
			return nil, errors.Wrapf(err, "peering %s", pc.Name)
		}
		if err := ov.PeeringTable.Add(NewVpcPeering(pc.Name, left, right, pc.GwGroup)); err != nil {
			return nil, err
		}
	}
	return ov, nil
}

func (c *ManifestConfig) build() (*VpcManifest, error) {
	m := NewManifest(c.Vpc)
	for i := range c.Expose {
		e, err := c.Expose[i].build()
		if err != nil {
			return nil, errors.Wrapf(err, "vpc %s expose %d", c.Vpc, i)
		}
		if err := m.AddExpose(e); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (c *PrefixConfig) build() (prefix.PrefixPorts, error) {
	p, err := prefix.ParsePrefix(c.Cidr)
	if err != nil {
		return prefix.PrefixPorts{}, errors.Wrapf(prefix.ErrInvalidPrefix, "%s: %s", c.Cidr, err)
	}
	if c.Ports == "" {
		return prefix.New(p), nil
	}
	r, err := prefix.ParsePortRange(c.Ports)
	if err != nil {
		return prefix.PrefixPorts{}, errors.Wrapf(err, "ports of %s", c.Cidr)
	}
	return prefix.WithPorts(p, r), nil
}

func buildList(in []PrefixConfig, add func(prefix.PrefixPorts) *VpcExpose) error {
	for i := range in {
		p, err := in[i].build()
		if err != nil {
			return err
		}
		add(p)
	}
	return nil
}

func (c *ExposeConfig) build() (*VpcExpose, error) {
	e := NewExpose()
	if c.Default {
		e.SetDefault()
	}
	lists := []struct {
		in  []PrefixConfig
		add func(prefix.PrefixPorts) *VpcExpose
	}{
		{c.Ips, e.IP}, {c.Nots, e.Not}, {c.As, e.As}, {c.NotAs, e.NotAs},
	}
	for _, l := range lists {
		if err := buildList(l.in, l.add); err != nil {
			return nil, err
		}
	}
	if c.Nat == nil {
		return e, nil
	}
	modes := 0
	var err error
	if c.Nat.Stateful != nil {
		modes++
		err = e.MakeStatefulNat(c.Nat.Stateful.IdleTimeout)
	}
	if c.Nat.Stateless != nil {
		modes++
		err = e.MakeStatelessNat()
	}
	if pf := c.Nat.PortForwarding; pf != nil {
		modes++
		proto, perr := prefix.ParseL4Protocol(pf.Protocol)
		if perr != nil {
			return nil, perr
		}
		err = e.MakePortForwarding(proto, pf.IdleTimeout)
	}
	if modes != 1 {
		return nil, newError(ErrAlreadyHasNat, "nat needs exactly one of stateful, stateless or port_forwarding")
	}
	return e, err
}
