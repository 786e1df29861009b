package config

import (
	"encoding/xml"
	"fmt"
	"net/netip"
	"strings"
)

// Station defines a statically configured route from a station name to the
// data consumer that serves it.
type Station struct {
	Name            string `xml:"name,attr"`
	ProviderAddress string `xml:"providerAddress"`
	ConsumerAddress string `xml:"consumerAddress"`
	ConsumerPort    int    `xml:"consumerPort"`
}

// UnmarshalXML is a custom unmarshaler for the Station struct. It trims
// surrounding whitespace from every field and accepts the consumer endpoint
// in a single "consumer" element (host:port) as an alternative to the
// separate address and port elements.
func (s *Station) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type alias Station

	var aux struct {
		*alias
		Consumer *string `xml:"consumer"`
	}
	aux.alias = (*alias)(s)

	if err := d.DecodeElement(&aux, &start); err != nil {
		return err
	}

	s.Name = strings.TrimSpace(s.Name)
	s.ProviderAddress = strings.TrimSpace(s.ProviderAddress)
	s.ConsumerAddress = strings.TrimSpace(s.ConsumerAddress)

	if aux.Consumer != nil {
		ap, err := netip.ParseAddrPort(strings.TrimSpace(*aux.Consumer))
		if err != nil {
			return fmt.Errorf("station %q: invalid consumer %q", s.Name, *aux.Consumer)
		}
		s.ConsumerAddress = ap.Addr().String()
		s.ConsumerPort = int(ap.Port())
	}
	return nil
}

// Validate checks that the station name fits the wire format and that the
// addresses are IPv4 literals.
func (s Station) Validate() error {
	if err := ValidateStationName(s.Name); err != nil {
		return err
	}
	if !isIPv4(s.ProviderAddress) {
		return fmt.Errorf("station %q: providerAddress %q is not an IPv4 address", s.Name, s.ProviderAddress)
	}
	if !isIPv4(s.ConsumerAddress) {
		return fmt.Errorf("station %q: consumerAddress %q is not an IPv4 address", s.Name, s.ConsumerAddress)
	}
	if s.ConsumerPort < 1 || s.ConsumerPort > 65535 {
		return fmt.Errorf("station %q: consumerPort must be 1-65535, got %d", s.Name, s.ConsumerPort)
	}
	return nil
}

// ValidateStationName reports whether name can be carried in a connection
// request frame.
func ValidateStationName(name string) error {
	if name == "" {
		return fmt.Errorf("station name is empty")
	}
	if len(name) > DefaultStationNameMaxLen {
		return fmt.Errorf("station %q: name exceeds %d characters", name, DefaultStationNameMaxLen)
	}
	if strings.ContainsAny(name, " \t\r\n\x00") {
		return fmt.Errorf("station %q: name contains whitespace", name)
	}
	return nil
}

func isIPv4(s string) bool {
	a, err := netip.ParseAddr(s)
	return err == nil && a.Is4()
}
