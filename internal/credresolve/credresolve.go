// Package credresolve resolves a short host_ref into SSH connection
// parameters, per spec.md §4.I's SSH credential-resolution chain: look up
// hosts.<host_ref>.{ip,port,username,password,key_id} in the Variable
// Store, falling back to host_ref itself as the IP and "root" as the
// username when no entry is registered. Both the Action Dispatcher's
// SSH-inline actions and the interactive Shell/SFTP/Port-Forwarder entry
// points (spec.md §2) share this one resolution path instead of
// duplicating the Variable Store lookup chain (SPEC_FULL.md §4).
// ResolvePrivateKey is the matching Key Store lookup: when key_id is
// registered, it is the actual producer of the bytes that become
// sshtransport.Config.PrivateKeyPEM.
package credresolve

import (
	"fmt"

	"github.com/tianshan-edge/sentryd/internal/value"
)

// DefaultPort is used when hosts.<host_ref>.port isn't registered.
const DefaultPort = 22

// DefaultUsername is used when hosts.<host_ref>.username isn't registered
// or holds an empty string.
const DefaultUsername = "root"

// VariableGetter is the read-only slice of variablestore.Store this
// package depends on.
type VariableGetter interface {
	Get(name string) (value.Value, error)
}

// HostConfig is the resolved set of SSH connection parameters for a
// host_ref.
type HostConfig struct {
	IP       string
	Port     int
	Username string
	Password string
	KeyID    string
}

// Resolve looks up hosts.<hostRef>.{ip,port,username,password}. Any
// missing entry falls back individually: ip falls back to hostRef itself,
// port to DefaultPort, username to DefaultUsername, password to empty
// (meaning key-based auth must be supplied by the caller).
func Resolve(vs VariableGetter, hostRef string) HostConfig {
	cfg := HostConfig{
		IP:       hostRef,
		Port:     DefaultPort,
		Username: DefaultUsername,
	}

	prefix := fmt.Sprintf("hosts.%s.", hostRef)

	if v, err := vs.Get(prefix + "ip"); err == nil {
		cfg.IP = v.String()
	}
	if v, err := vs.Get(prefix + "port"); err == nil {
		if p := v.Int(); p > 0 {
			cfg.Port = int(p)
		}
	}
	if v, err := vs.Get(prefix + "username"); err == nil {
		if u := v.String(); u != "" {
			cfg.Username = u
		}
	}
	if v, err := vs.Get(prefix + "password"); err == nil {
		cfg.Password = v.String()
	}
	if v, err := vs.Get(prefix + "key_id"); err == nil {
		cfg.KeyID = v.String()
	}

	return cfg
}

// KeyLoader is the read-only slice of keystore.Store this package
// depends on.
type KeyLoader interface {
	LoadPrivate(id string) ([]byte, error)
}

// ResolvePrivateKey loads the PEM bytes registered under cfg.KeyID via
// ks. It returns (nil, nil) when cfg has no key_id, meaning the caller
// falls back to cfg.Password, matching spec.md §4.I/C's auth priority
// (private key over password). The caller owns the returned buffer and
// must call keystore.Zero on it once the SSH handshake is done with it.
func ResolvePrivateKey(ks KeyLoader, cfg HostConfig) ([]byte, error) {
	if cfg.KeyID == "" || ks == nil {
		return nil, nil
	}
	return ks.LoadPrivate(cfg.KeyID)
}
