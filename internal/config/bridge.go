package config

import (
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/agent462/devherd/internal/pathutil"
)

// BridgeHost is the resolved SSH target for a remote bridge.
type BridgeHost struct {
	Name         string // as configured, e.g. "lab" or "ci@lab"
	Hostname     string // address to dial
	User         string
	Port         int
	IdentityFile string
	Insecure     bool
}

// Remote reports whether adb runs on another machine.
func (b Bridge) Remote() bool {
	return b.Host != ""
}

// ResolveHost resolves the bridge host. Explicit settings win; missing ones
// come from ~/.ssh/config, looked up by the configured host alias.
func (b Bridge) ResolveHost() BridgeHost {
	h := BridgeHost{
		Name:         b.Host,
		Hostname:     b.Host,
		User:         b.User,
		Port:         b.Port,
		IdentityFile: pathutil.ExpandHome(b.IdentityFile),
		Insecure:     b.Insecure,
	}
	if user, host, ok := parseUserAtHost(b.Host); ok {
		h.Hostname = host
		if h.User == "" {
			h.User = user
		}
	}

	alias := h.Hostname
	if hn := sshConfigGet(alias, "HostName"); hn != "" {
		h.Hostname = hn
	}
	if h.User == "" {
		h.User = sshConfigGet(alias, "User")
	}
	if h.Port == 0 {
		if port, err := strconv.Atoi(sshConfigGet(alias, "Port")); err == nil && port > 0 {
			h.Port = port
		}
	}
	if h.IdentityFile == "" {
		h.IdentityFile = pathutil.ExpandHome(sshConfigGet(alias, "IdentityFile"))
	}
	return h
}

// sshConfigGet looks up key for host in the user's SSH config. Values that
// come only from ssh_config's built-in defaults are ignored.
func sshConfigGet(host, key string) string {
	val, err := ssh_config.GetStrict(host, key)
	if err != nil || val == ssh_config.Default(key) {
		return ""
	}
	return val
}

// parseUserAtHost splits "user@host". ok is false without a user part.
func parseUserAtHost(s string) (user, host string, ok bool) {
	i := strings.Index(s, "@")
	if i <= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
