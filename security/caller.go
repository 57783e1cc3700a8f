package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/core"

	"concert-tickets/models"
)

const (
	GateKeyHeader = "X-Gate-Key"
	callerKey     = "caller"
)

// GateKeys maps a gate API key to the gate name it identifies.
// Entries are configured as "name:key".
type GateKeys map[string]string

func ParseGateKeys(entries []string) GateKeys {
	keys := make(GateKeys, len(entries))
	for _, entry := range entries {
		name, key, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || key == "" {
			continue
		}
		keys[key] = name
	}
	return keys
}

func (g GateKeys) lookup(presented string) (string, bool) {
	if presented == "" {
		return "", false
	}
	for key, name := range g {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return name, true
		}
	}
	return "", false
}

// Resolve derives the caller of a request. Superusers act as staff, a valid
// gate key as a gate, and any other authenticated record as a customer.
func Resolve(e *core.RequestEvent, gates GateKeys) (models.Caller, bool) {
	if name, ok := gates.lookup(e.Request.Header.Get(GateKeyHeader)); ok {
		return models.Caller{Subject: "gate:" + name, Role: models.RoleGate}, true
	}
	if e.Auth == nil {
		return models.Caller{}, false
	}
	if e.HasSuperuserAuth() {
		return models.Caller{Subject: e.Auth.Id, Role: models.RoleStaff}, true
	}
	return models.Caller{Subject: e.Auth.Id, Role: models.RoleCustomer}, true
}

// RequireCaller resolves the caller and stores it on the request event.
func RequireCaller(gates GateKeys) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		caller, ok := Resolve(e, gates)
		if !ok {
			return e.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized",
			})
		}
		e.Set(callerKey, caller)
		return e.Next()
	}
}

func CallerFrom(e *core.RequestEvent) (models.Caller, bool) {
	caller, ok := e.Get(callerKey).(models.Caller)
	return caller, ok
}
