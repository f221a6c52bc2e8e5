// Package control implements the command/control plane: an entity registry,
// an HTTP-style verb/path router over broker topics, and the broker adapter
// that parses the topic scheme and publishes responses and notifications.
package control

import (
	"fmt"
	"regexp"
	"sync"
)

// HandlerContext is passed to every command/control handler.
type HandlerContext struct {
	RequestID string
	EntityID  string
	Entity    EntityDescriptor
	Timestamp string
	Source    string
}

// HandlerFunc implements one (path, verb) endpoint.
type HandlerFunc func(pathParams, queryParams map[string]string, body interface{}, ctx HandlerContext) (interface{}, error)

// ParamSchema is the advisory schema for one parameter: whether it is
// required and its expected coarse type ("string", "int", "bool", "" for
// unconstrained).
type ParamSchema struct {
	Required bool
	Type     string
}

// HandlerDescriptor is what an entity registers for one (path, verb) pair.
type HandlerDescriptor struct {
	Handler           HandlerFunc
	PathParams        map[string]ParamSchema
	QueryParams       map[string]ParamSchema
	RequestBodySchema map[string]ParamSchema
}

// Endpoint is a path template and its verb-to-handler map.
type Endpoint struct {
	Path    string
	Methods map[string]HandlerDescriptor
}

// EntityDescriptor is what an entity registers with the registry: identity,
// its endpoints, and advisory status/metric schemas.
type EntityDescriptor struct {
	EntityID     string
	EntityType   string
	Name         string
	Version      string
	Parent       string
	Endpoints    []Endpoint
	StatusSchema map[string]ParamSchema
	MetricSchema map[string]ParamSchema
	Config       map[string]interface{}
}

type registeredEndpoint struct {
	entityID     string
	pathTemplate string
	methods      map[string]HandlerDescriptor
}

// EntityRegistry maps entity_id -> descriptor and compiled path-template
// matchers -> (entity, methods). Registration is transactional: if any
// endpoint fails to register, no endpoint for that entity is left behind.
type EntityRegistry struct {
	mu               sync.Mutex
	entities         map[string]EntityDescriptor
	endpoints        map[string]registeredEndpoint
	endpointPatterns map[string]*regexp.Regexp
	patternOrder     []string
}

// NewEntityRegistry creates an empty registry.
func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{
		entities:         make(map[string]EntityDescriptor),
		endpoints:        make(map[string]registeredEndpoint),
		endpointPatterns: make(map[string]*regexp.Regexp),
	}
}

// RegisterEntity registers entity and all of its endpoints. On any endpoint
// failure, every endpoint already registered for this entity in this call is
// rolled back and false is returned.
func (r *EntityRegistry) RegisterEntity(entity EntityDescriptor) bool {
	if entity.EntityID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var registeredPatterns []string
	for _, ep := range entity.Endpoints {
		patternStr, err := r.registerEndpointLocked(entity.EntityID, ep)
		if err != nil {
			for _, p := range registeredPatterns {
				delete(r.endpoints, p)
				delete(r.endpointPatterns, p)
				r.removeFromOrder(p)
			}
			return false
		}
		if patternStr != "" {
			registeredPatterns = append(registeredPatterns, patternStr)
		}
	}

	r.entities[entity.EntityID] = entity
	return true
}

func (r *EntityRegistry) registerEndpointLocked(entityID string, ep Endpoint) (string, error) {
	if ep.Path == "" {
		return "", nil // matches original: missing path is skipped, not an error
	}
	if len(ep.Methods) == 0 {
		return "", nil // missing methods is skipped too
	}

	pattern, err := pathTemplateToRegex(ep.Path)
	if err != nil {
		return "", fmt.Errorf("control: invalid path template %q: %w", ep.Path, err)
	}
	patternStr := pattern.String()

	r.endpoints[patternStr] = registeredEndpoint{entityID: entityID, pathTemplate: ep.Path, methods: ep.Methods}
	r.endpointPatterns[patternStr] = pattern
	r.patternOrder = append(r.patternOrder, patternStr)
	return patternStr, nil
}

func (r *EntityRegistry) removeFromOrder(pattern string) {
	for i, p := range r.patternOrder {
		if p == pattern {
			r.patternOrder = append(r.patternOrder[:i], r.patternOrder[i+1:]...)
			return
		}
	}
}

// GetEntity looks up an entity by id.
func (r *EntityRegistry) GetEntity(entityID string) (EntityDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[entityID]
	return e, ok
}

// GetAllEntities returns a snapshot of every registered entity.
func (r *EntityRegistry) GetAllEntities() map[string]EntityDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]EntityDescriptor, len(r.entities))
	for k, v := range r.entities {
		out[k] = v
	}
	return out
}

// MatchResult is the three-way outcome FindEndpointHandler can report: a
// full match, a path match with an unsupported verb, or no match at all.
type MatchResult struct {
	Handler    *HandlerDescriptor
	PathParams map[string]string
	EntityID   string
	// PathMatched is true iff some registered path template matched, even if
	// the verb did not; distinguishes "no such path" from "wrong verb".
	PathMatched bool
}

// FindEndpointHandler finds the first registered path template (in
// registration order) matching path, then checks whether method is
// supported on it.
func (r *EntityRegistry) FindEndpointHandler(path, method string) MatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, patternStr := range r.patternOrder {
		pattern := r.endpointPatterns[patternStr]
		match := pattern.FindStringSubmatch(path)
		if match == nil {
			continue
		}

		ep := r.endpoints[patternStr]
		pathParams := namedGroups(pattern, match)

		if hd, ok := ep.methods[method]; ok {
			hdCopy := hd
			return MatchResult{Handler: &hdCopy, PathParams: pathParams, EntityID: ep.entityID, PathMatched: true}
		}
		return MatchResult{PathParams: pathParams, EntityID: ep.entityID, PathMatched: true}
	}
	return MatchResult{}
}

// DeregisterEntity removes entity and all of its endpoints. Returns false if
// the entity is unknown.
func (r *EntityRegistry) DeregisterEntity(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[entityID]; !ok {
		return false
	}
	delete(r.entities, entityID)

	var toRemove []string
	for pattern, ep := range r.endpoints {
		if ep.entityID == entityID {
			toRemove = append(toRemove, pattern)
		}
	}
	for _, pattern := range toRemove {
		delete(r.endpoints, pattern)
		delete(r.endpointPatterns, pattern)
		r.removeFromOrder(pattern)
	}
	return true
}

var paramRe = regexp.MustCompile(`\{([^}]+)\}`)

// pathTemplateToRegex converts "/flows/{flow_id}" into an anchored regexp
// with a named capture group per {param}: each {name} becomes
// (?P<name>[^/]+), substituted as-is without escaping the literal path
// segments around it.
func pathTemplateToRegex(pathTemplate string) (*regexp.Regexp, error) {
	pattern := paramRe.ReplaceAllString(pathTemplate, `(?P<$1>[^/]+)`)
	return regexp.Compile("^" + pattern + "$")
}

func namedGroups(pattern *regexp.Regexp, match []string) map[string]string {
	out := make(map[string]string)
	for i, name := range pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = match[i]
	}
	return out
}
