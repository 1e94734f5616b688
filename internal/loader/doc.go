// Package loader parses a declarative multi-service definition into a
// model.Project.
//
// The definition is a compose-style document with top-level keys
// "name", "services", "networks" and "volumes". YAML is the primary format;
// JSON and JSONC (JSON with comments, stripped with github.com/tidwall/jsonc)
// are accepted too, since JSON is a subset of YAML once comments are gone.
//
// The document is decoded into a gopkg.in/yaml.v3 node tree instead of
// Go structs so that:
//   - the declaration order of services, networks and volumes is kept
//     (the dependency graph uses it to break ties)
//   - every error can name its dotted document path, e.g.
//     "services.web.ports[1]"
//   - ${NAME} substitution runs over every scalar before validation
//
// Loading has no side effects beyond file reads: the definition itself and
// the env-files referenced by services (read through the envfile package).
//
// Fallback rule: a service that lists no networks is attached to the
// implicit network "default" (managed, bridge driver). "default" is only
// declared when at least one service uses it. No other implicit declaration
// is made: referencing an undeclared network or named volume is a
// StructuralError.
package loader
