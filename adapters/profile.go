package adapters

import (
	"time"

	"github.com/dataswift/hatsync/resource"
)

const (
	ProfileType        = "profile"
	UKSpecificInfoType = "ukspecificinfo"
	ProfileTTL         = time.Hour
)

// Profile is the adapter for rumpel/profile
type Profile struct {
	endpoint
	singleton
}

// UKSpecificInfo is the adapter for rumpel/ukspecificinfo
type UKSpecificInfo struct {
	endpoint
	singleton
}

var (
	_ resource.Singleton = (*Profile)(nil)
	_ resource.Singleton = (*UKSpecificInfo)(nil)
)

func NewProfile(remote Remote) *Profile {
	return &Profile{
		endpoint:  latestOnly(remote, ProfileType, "profile"),
		singleton: singleton{ref: ProfileType},
	}
}

func NewUKSpecificInfo(remote Remote) *UKSpecificInfo {
	return &UKSpecificInfo{
		endpoint:  latestOnly(remote, UKSpecificInfoType, "ukspecificinfo"),
		singleton: singleton{ref: UKSpecificInfoType},
	}
}

func latestOnly(remote Remote, typ, name string) endpoint {
	return endpoint{
		remote:    remote,
		typ:       typ,
		namespace: "rumpel",
		name:      name,
		ttl:       ProfileTTL,
		query:     map[string]string{"take": "1", "orderBy": "dateCreated", "ordering": "descending"},
	}
}
