// Package shipping prices delivery of FestiBox orders across Chile's regions.
package shipping

import (
	"errors"
	"strings"
)

type Zone string

const (
	ZoneMetropolitana Zone = "metropolitana"
	ZoneCentral       Zone = "central"
	ZoneNorte         Zone = "norte"
	ZoneSur           Zone = "sur"
	ZoneAustral       Zone = "austral"
)

type Method string

const (
	MethodDelivery Method = "delivery"
	MethodPickup   Method = "pickup"
)

var (
	ErrUnknownRegion = errors.New("unknown region")
	ErrUnknownMethod = errors.New("unknown shipping method")
)

// Region is a first-level administrative division, keyed by ISO 3166-2 code.
type Region struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Zone Zone   `json:"zone"`
}

// north to south
var regions = []Region{
	{"CL-AP", "Arica y Parinacota", ZoneNorte},
	{"CL-TA", "Tarapacá", ZoneNorte},
	{"CL-AN", "Antofagasta", ZoneNorte},
	{"CL-AT", "Atacama", ZoneNorte},
	{"CL-CO", "Coquimbo", ZoneCentral},
	{"CL-VS", "Valparaíso", ZoneCentral},
	{"CL-RM", "Región Metropolitana de Santiago", ZoneMetropolitana},
	{"CL-LI", "Libertador General Bernardo O'Higgins", ZoneCentral},
	{"CL-ML", "Maule", ZoneCentral},
	{"CL-NB", "Ñuble", ZoneCentral},
	{"CL-BI", "Biobío", ZoneCentral},
	{"CL-AR", "La Araucanía", ZoneSur},
	{"CL-LR", "Los Ríos", ZoneSur},
	{"CL-LL", "Los Lagos", ZoneSur},
	{"CL-AI", "Aysén del General Carlos Ibáñez del Campo", ZoneAustral},
	{"CL-MA", "Magallanes y de la Antártica Chilena", ZoneAustral},
}

// Regions returns a copy of the region table.
func Regions() []Region {
	out := make([]Region, len(regions))
	copy(out, regions)
	return out
}

// LookupRegion accepts "CL-RM", "cl-rm" or "RM".
func LookupRegion(code string) (Region, bool) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return Region{}, false
	}
	if !strings.HasPrefix(c, "CL-") {
		c = "CL-" + c
	}
	for _, r := range regions {
		if r.Code == c {
			return r, true
		}
	}
	return Region{}, false
}

func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MethodDelivery, "":
		return MethodDelivery, nil
	case MethodPickup:
		return MethodPickup, nil
	default:
		return "", ErrUnknownMethod
	}
}

// Tariffs holds the per-zone delivery price in CLP and the order subtotal at
// which delivery becomes free. A zero FreeThreshold disables free shipping.
type Tariffs struct {
	Zones         map[Zone]int64
	FreeThreshold int64
}

func DefaultTariffs() Tariffs {
	return Tariffs{
		Zones: map[Zone]int64{
			ZoneMetropolitana: 3990,
			ZoneCentral:       4990,
			ZoneSur:           5990,
			ZoneNorte:         6990,
			ZoneAustral:       8990,
		},
		FreeThreshold: 50000,
	}
}

// WithOverrides returns a copy of t with the given zone prices replaced.
// Unknown zone names are ignored.
func (t Tariffs) WithOverrides(zones map[string]int64, freeThreshold int64) Tariffs {
	out := Tariffs{Zones: make(map[Zone]int64, len(t.Zones)), FreeThreshold: freeThreshold}
	for z, v := range t.Zones {
		out.Zones[z] = v
	}
	for name, v := range zones {
		z := Zone(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := out.Zones[z]; ok {
			out.Zones[z] = v
		}
	}
	return out
}

type Quote struct {
	Region string `json:"region,omitempty"`
	Zone   Zone   `json:"zone,omitempty"`
	Method Method `json:"method"`
	Cost   int64  `json:"cost"`
	Free   bool   `json:"free"`
}

// Quote prices one shipment. Pickup is always free and ignores the region.
func (t Tariffs) Quote(regionCode string, method Method, subtotal int64) (Quote, error) {
	switch method {
	case MethodPickup:
		return Quote{Method: MethodPickup, Cost: 0, Free: true}, nil
	case MethodDelivery:
	default:
		return Quote{}, ErrUnknownMethod
	}

	region, ok := LookupRegion(regionCode)
	if !ok {
		return Quote{}, ErrUnknownRegion
	}
	q := Quote{Region: region.Code, Zone: region.Zone, Method: MethodDelivery}
	if t.FreeThreshold > 0 && subtotal >= t.FreeThreshold {
		q.Free = true
		return q, nil
	}
	q.Cost = t.Zones[region.Zone]
	return q, nil
}
