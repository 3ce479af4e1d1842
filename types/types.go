package types

import "fmt"

// PlayerName is a type-safe wrapper for the voter name a site reports
type PlayerName string

// ServiceName is a type-safe wrapper for a voting site identifier
type ServiceName string

// String converts PlayerName to string
func (n PlayerName) String() string {
	return string(n)
}

// String converts ServiceName to string
func (n ServiceName) String() string {
	return string(n)
}

// Vote is a single vote notification as reported by a voting site.
//
// Username is whatever the site claims; nothing here checks it against a
// player registry. TimeStamp is opaque and kept exactly as received (v2
// numeric timestamps are normalized to a decimal string at decode time).
type Vote struct {
	Username    PlayerName  `json:"username"`
	ServiceName ServiceName `json:"serviceName"`
	Address     string      `json:"address"`
	TimeStamp   string      `json:"timestamp"`
}

func (v Vote) String() string {
	return fmt.Sprintf("Vote [username=%s, serviceName=%s, address=%s, timeStamp=%s]",
		v.Username, v.ServiceName, v.Address, v.TimeStamp)
}
