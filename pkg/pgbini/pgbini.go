package pgbini

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

// Route is one entry of the [databases] section: where the pooler
// forwards connections for a given database alias. A replica set is
// carried as a comma-joined host list under the "<alias>_standby" key.
type Route struct {
	Host     string
	DBName   string
	Port     string
	AuthUser string
}

// Fragment renders the route as the comma-joined k=v connection-string
// fragment pgbouncer expects, fields in fixed order, empty ones omitted.
func (r Route) Fragment() string {
	var parts []string
	for _, kv := range []struct{ k, v string }{
		{"host", r.Host},
		{"dbname", r.DBName},
		{"port", r.Port},
		{"auth_user", r.AuthUser},
	} {
		if kv.v != "" {
			parts = append(parts, kv.k+"="+kv.v)
		}
	}
	return strings.Join(parts, ",")
}

func parseFragment(raw string) Route {
	var r Route
	last := ""
	for _, part := range strings.Split(raw, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			// continuation of a comma-joined value, e.g. a replica host list
			if last == "host" {
				r.Host += "," + k
			}
			continue
		}
		last = k
		switch k {
		case "host":
			r.Host = v
		case "dbname":
			r.DBName = v
		case "port":
			r.Port = v
		case "auth_user":
			r.AuthUser = v
		}
	}
	return r
}

type User struct {
	Admin bool
}

// Config is the reconciled pooler configuration. It is always fully
// re-derivable from backend state plus the set of active client links;
// controllers rewrite entries from scratch instead of patching them.
type Config struct {
	Databases map[string]Route
	Users     map[string]User
	Pgbouncer map[string]string
}

const StandbySuffix = "_standby"

func New() *Config {
	return &Config{
		Databases: map[string]Route{},
		Users:     map[string]User{},
		Pgbouncer: map[string]string{},
	}
}

// Default returns the initial document the operator starts from before
// any relation settles.
func Default(listenPort string) *Config {
	cfg := New()
	cfg.Pgbouncer = map[string]string{
		"listen_addr": "*",
		"listen_port": listenPort,
		"auth_type":   "md5",
		"logfile":     "/var/log/pgbouncer/pgbouncer.log",
		"pidfile":     "/var/run/pgbouncer/pgbouncer.pid",
	}
	return cfg
}

func (c *Config) AddUser(name string, admin bool) {
	c.Users[name] = User{Admin: admin}
}

func (c *Config) RemoveUser(name string) {
	delete(c.Users, name)
}

// RemoveDatabase drops an alias and its standby alias together so no
// orphaned standby entry survives.
func (c *Config) RemoveDatabase(alias string) {
	delete(c.Databases, alias)
	delete(c.Databases, alias+StandbySuffix)
}

func (c *Config) adminUsers() []string {
	var admins []string
	for name, user := range c.Users {
		if user.Admin {
			admins = append(admins, name)
		}
	}
	sort.Strings(admins)
	return admins
}

// Render serializes the document to its on-disk sectioned form:
// [databases] first, [pgbouncer] second, sorted keys within each.
func (c *Config) Render() string {
	var b strings.Builder

	b.WriteString("[databases]\n")
	aliases := make([]string, 0, len(c.Databases))
	for alias := range c.Databases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		fmt.Fprintf(&b, "%s = %s\n", alias, c.Databases[alias].Fragment())
	}

	b.WriteString("\n[pgbouncer]\n")
	settings := map[string]string{}
	for k, v := range c.Pgbouncer {
		settings[k] = v
	}
	if admins := c.adminUsers(); len(admins) > 0 {
		settings["admin_users"] = strings.Join(admins, ",")
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, settings[k])
	}

	return b.String()
}

// Parse is the inverse of Render. Unknown sections fail; non-admin
// users are not represented on disk and are re-added by the client
// link controller at reconcile time.
func Parse(raw string) (*Config, error) {
	cfg := New()
	section := ""
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			if section != "databases" && section != "pgbouncer" {
				return nil, boperror.Newf(boperror.BOP_UNEXPECTED, "unknown section %q", section)
			}
			continue
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			return nil, boperror.Newf(boperror.BOP_UNEXPECTED, "malformed line %q", line)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch section {
		case "databases":
			cfg.Databases[k] = parseFragment(v)
		case "pgbouncer":
			if k == "admin_users" {
				for _, name := range strings.Split(v, ",") {
					if name = strings.TrimSpace(name); name != "" {
						cfg.AddUser(name, true)
					}
				}
				continue
			}
			cfg.Pgbouncer[k] = v
		default:
			return nil, boperror.Newf(boperror.BOP_UNEXPECTED, "entry %q outside any section", line)
		}
	}
	return cfg, nil
}

// Validate checks document invariants: every route names an auth user,
// and no standby alias survives without its base alias.
func (c *Config) Validate() error {
	for alias, route := range c.Databases {
		if route.AuthUser == "" {
			return boperror.Newf(boperror.BOP_INCONSISTENT, "route %q has no auth_user", alias)
		}
		if base, ok := strings.CutSuffix(alias, StandbySuffix); ok {
			if _, exists := c.Databases[base]; !exists {
				return boperror.Newf(boperror.BOP_INCONSISTENT, "orphaned standby alias %q", alias)
			}
		}
	}
	return nil
}
