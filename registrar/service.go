package registrar

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/luno/jettison/errors"
)

// ServerEndpoint describes one endpoint a server listens on.
type ServerEndpoint struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	Transport string `json:"transport"`
}

// ServerInfo describes one server of a service.
type ServerInfo struct {
	Name      string           `json:"name"`
	Endpoints []ServerEndpoint `json:"endpoints"`
}

// ServiceInfo describes a service instance. It is the payload stored at the
// instance's registration node.
//
// Key uniquely identifies one process instance of a logical service. It is
// generated once per instance lifetime with NewKey: it survives
// re-registration but not a process restart, which is what disambiguates
// multiple registrations of the same logical service.
type ServiceInfo struct {
	Name     string       `json:"name"`
	Version  string       `json:"version"`
	Build    string       `json:"build"`
	Hostname string       `json:"hostname"`
	FQDN     string       `json:"fqdn"`
	Key      string       `json:"key"`
	Servers  []ServerInfo `json:"servers"`
}

// ToJSON serializes the info for storage in the coordination service.
func (s *ServiceInfo) ToJSON() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal service info")
	}
	return b, nil
}

// FromJSON deserializes a registration payload. It is the exact inverse of
// ToJSON: FromJSON(ToJSON(x)) reproduces every field of x.
func FromJSON(data []byte) (*ServiceInfo, error) {
	var s ServiceInfo
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "unmarshal service info")
	}
	return &s, nil
}

// NewKey returns a random service instance key.
func NewKey() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// FirstEndpoint returns the first endpoint of the first server, which by
// convention is the instance's primary RPC endpoint.
func (s *ServiceInfo) FirstEndpoint() (ServerEndpoint, bool) {
	for _, srv := range s.Servers {
		if len(srv.Endpoints) > 0 {
			return srv.Endpoints[0], true
		}
	}
	return ServerEndpoint{}, false
}
