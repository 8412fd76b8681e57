package adapters

import (
	"encoding/json"
	"time"

	"github.com/dataswift/hatsync/cache"
	"github.com/dataswift/hatsync/hat"
	"github.com/dataswift/hatsync/resource"
)

const (
	LocationsType = "locations"
	LocationsTTL  = time.Hour

	// DayLayout is the format of the "from" and "to" read parameters
	DayLayout = "2006-01-02"
)

// Locations is the adapter for rumpel/locations/ios. Reads accept optional
// "from" and "to" days and return points whose dateCreated falls inside
// them, both days included.
type Locations struct {
	endpoint
}

var _ resource.Adapter = (*Locations)(nil)

func NewLocations(remote Remote) *Locations {
	return &Locations{endpoint: endpoint{
		remote:    remote,
		typ:       LocationsType,
		namespace: "rumpel",
		name:      "locations/ios",
		ttl:       LocationsTTL,
		query:     map[string]string{"orderBy": "dateCreated", "ordering": "descending"},
		keep:      inDayRange,
	}}
}

// KeyFor keys a full day range as locations-<from>-<to>; other parameter
// sets use the generic name=value form.
func (l *Locations) KeyFor(params map[string]string) string {
	from, hasFrom := params["from"]
	to, hasTo := params["to"]
	if hasFrom && hasTo && len(params) == 2 {
		return cache.ValuesKey(l.typ, from, to)
	}
	return cache.KeyFor(l.typ, params)
}

func inDayRange(params map[string]string, rec hat.Record) bool {
	var point struct {
		DateCreated int64 `json:"dateCreated"`
	}
	if err := json.Unmarshal(rec.Data, &point); err != nil {
		return false
	}
	created := time.Unix(point.DateCreated, 0).UTC()

	if from, err := time.Parse(DayLayout, params["from"]); err == nil && created.Before(from) {
		return false
	}
	if to, err := time.Parse(DayLayout, params["to"]); err == nil && !created.Before(to.AddDate(0, 0, 1)) {
		return false
	}
	return true
}
