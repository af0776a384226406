package clgeo

import (
	"net/netip"

	geoip2 "github.com/oschwald/geoip2-golang/v2"
	"github.com/rs/zerolog/log"
)

// Resolver traduit une adresse IP en code pays ISO via une base MMDB.
// Un Resolver nil est valide et retourne toujours une chaîne vide, ce qui
// permet de laisser l'enrichissement désactivé sans configuration.
type Resolver struct {
	reader *geoip2.Reader
}

// Open charge la base MMDB. Un chemin vide désactive la résolution.
func Open(path string) (*Resolver, error) {
	if path == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("GeoIP database loaded")
	return &Resolver{reader: reader}, nil
}

// Country retourne le code ISO du pays de l'IP, ou "" si inconnu
func (r *Resolver) Country(ip string) string {
	if r == nil || r.reader == nil {
		return ""
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	record, err := r.reader.Country(addr)
	if err != nil {
		return ""
	}
	return record.Country.ISOCode
}

// Close libère la base MMDB
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
