// Package geoip resolves security event source addresses to a continent
// and country using a MaxMind database.
package geoip

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// ErrInvalidIP is returned for an address that does not parse.
var ErrInvalidIP = errors.New("invalid ip address")

// Location is the part of a GeoIP record vulnz stores.
type Location struct {
	ContinentCode string
	CountryCode   string
}

// Resolver looks up IP addresses.
type Resolver interface {
	Lookup(ip string) (Location, error)
	Close() error
}

type record struct {
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

// DB is a Resolver backed by a GeoLite2 or GeoIP2 country/city database.
type DB struct {
	reader *maxminddb.Reader
}

// Open memory-maps the database at path.
func Open(path string) (*DB, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &DB{reader: r}, nil
}

// Lookup returns the location of ip. Addresses missing from the database
// give an empty Location and no error.
func (d *DB) Lookup(ip string) (Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, ErrInvalidIP
	}
	var rec record
	if err := d.reader.Lookup(parsed, &rec); err != nil {
		return Location{}, fmt.Errorf("looking up %s: %w", ip, err)
	}
	country := rec.Country.ISOCode
	if country == "" {
		country = rec.RegisteredCountry.ISOCode
	}
	return Location{ContinentCode: rec.Continent.Code, CountryCode: country}, nil
}

func (d *DB) Close() error {
	return d.reader.Close()
}

// Disabled is the Resolver used when GeoIP is turned off. It validates the
// address and returns an empty Location.
type Disabled struct{}

func (Disabled) Lookup(ip string) (Location, error) {
	if net.ParseIP(ip) == nil {
		return Location{}, ErrInvalidIP
	}
	return Location{}, nil
}

func (Disabled) Close() error { return nil }

// New opens the database at path when enabled, and returns Disabled
// otherwise.
func New(enabled bool, path string) (Resolver, error) {
	if !enabled {
		return Disabled{}, nil
	}
	return Open(path)
}
