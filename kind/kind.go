// Package kind defines the stable identity and declared metadata of a
// resource kind: the (name, version) pair the registry keys everything on.
package kind

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// ResourceKind identifies a declared class of resource by name and version.
// Two kinds are equal iff both fields match; ResourceKind is comparable and
// safe to use as a map key directly.
type ResourceKind struct {
	Name    string
	Version string
}

// New builds a ResourceKind, validating the name is non-empty and the
// version has a recognized form (non-empty, no surrounding whitespace).
func New(name, version string) (ResourceKind, error) {
	if name == "" {
		return ResourceKind{}, errors.New("kind: name must not be empty")
	}
	if version == "" {
		return ResourceKind{}, errors.New("kind: version must not be empty")
	}
	if strings.TrimSpace(version) != version {
		return ResourceKind{}, errors.New("kind: version must not have surrounding whitespace")
	}
	return ResourceKind{Name: name, Version: version}, nil
}

// String renders the kind as "name@version", used in logs and error messages.
func (k ResourceKind) String() string {
	return fmt.Sprintf("%s@%s", k.Name, k.Version)
}

// UniqueKey returns the stable "name@version" string used as the registry's
// map key and as the kind label on events and configuration blocks.
func (k ResourceKind) UniqueKey() string {
	return k.Name + "@" + k.Version
}

// StableHash returns a deterministic 64-bit hash of the kind, stable across
// process runs, suitable for sharding or event correlation.
func (k ResourceKind) StableHash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.UniqueKey()))
	return h.Sum64()
}

// Capabilities records the capability flags a factory declares for its kind.
// These flags are authoritative: nothing else in the system re-declares them.
type Capabilities struct {
	Poolable        bool
	HealthCheckable bool
	Stateful        bool
}

// Metadata describes a registered kind: its declared dependencies (other
// kinds it requires to be Ready before it can be created) and its
// capabilities, both supplied by the factory at registration time.
type Metadata struct {
	Kind         ResourceKind
	Description  string
	Dependencies []ResourceKind
	Capabilities Capabilities
	// CredentialIDs lists the credential identifiers this kind's instances
	// depend on, used to route CredentialProvider rotation events.
	CredentialIDs []string
}

// Validate checks the metadata's own well-formedness. Dependency references
// to unknown kinds are checked at dependency-graph resolution time, not here,
// since that requires knowledge of the full registry.
func (m Metadata) Validate() error {
	if m.Kind.Name == "" || m.Kind.Version == "" {
		return fmt.Errorf("kind: metadata has an invalid kind %q", m.Kind)
	}
	for _, dep := range m.Dependencies {
		if dep.Name == "" || dep.Version == "" {
			return fmt.Errorf("kind: metadata for %s declares an invalid dependency %q", m.Kind, dep)
		}
		if dep == m.Kind {
			return fmt.Errorf("kind: metadata for %s declares itself as a dependency", m.Kind)
		}
	}
	return nil
}
