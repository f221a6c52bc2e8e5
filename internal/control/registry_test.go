package control

import "testing"

func dummyHandler(pathParams, queryParams map[string]string, body interface{}, ctx HandlerContext) (interface{}, error) {
	return pathParams, nil
}

func TestPathTemplateRoundTrip(t *testing.T) {
	r := NewEntityRegistry()
	entity := EntityDescriptor{
		EntityID: "flow-1",
		Endpoints: []Endpoint{
			{Path: "/a/{x}/b/{y}", Methods: map[string]HandlerDescriptor{"GET": {Handler: dummyHandler}}},
		},
	}
	if !r.RegisterEntity(entity) {
		t.Fatal("RegisterEntity failed")
	}

	result := r.FindEndpointHandler("/a/V1/b/V2", "GET")
	if result.Handler == nil {
		t.Fatal("expected a match")
	}
	if result.PathParams["x"] != "V1" || result.PathParams["y"] != "V2" {
		t.Errorf("path params = %v, want x=V1 y=V2", result.PathParams)
	}
	if result.EntityID != "flow-1" {
		t.Errorf("entity id = %q, want flow-1", result.EntityID)
	}
}

func TestRegisterDeregisterRoundTrip(t *testing.T) {
	r := NewEntityRegistry()
	entity := EntityDescriptor{
		EntityID: "e1",
		Endpoints: []Endpoint{
			{Path: "/x/{id}", Methods: map[string]HandlerDescriptor{"GET": {Handler: dummyHandler}}},
		},
	}
	r.RegisterEntity(entity)

	if !r.DeregisterEntity("e1") {
		t.Fatal("DeregisterEntity failed")
	}

	if _, ok := r.GetEntity("e1"); ok {
		t.Error("entity should be gone after deregistration")
	}
	result := r.FindEndpointHandler("/x/1", "GET")
	if result.PathMatched {
		t.Error("endpoint pattern should be gone after deregistration")
	}
	if len(r.patternOrder) != 0 {
		t.Errorf("pattern order should be empty, got %v", r.patternOrder)
	}
}

func TestTransactionalRegistrationRollsBackOnBadTemplate(t *testing.T) {
	r := NewEntityRegistry()
	entity := EntityDescriptor{
		EntityID: "e2",
		Endpoints: []Endpoint{
			{Path: "/good/{id}", Methods: map[string]HandlerDescriptor{"GET": {Handler: dummyHandler}}},
			{Path: "/bad/(unterminated", Methods: map[string]HandlerDescriptor{"GET": {Handler: dummyHandler}}},
		},
	}

	ok := r.RegisterEntity(entity)
	if ok {
		t.Fatal("expected registration to fail due to bad path template")
	}
	if _, found := r.GetEntity("e2"); found {
		t.Error("entity should not be stored when any endpoint fails")
	}
	result := r.FindEndpointHandler("/good/1", "GET")
	if result.PathMatched {
		t.Error("the good endpoint should have been rolled back too")
	}
}

func TestMethodMismatchDistinctFromNoMatch(t *testing.T) {
	r := NewEntityRegistry()
	entity := EntityDescriptor{
		EntityID: "e3",
		Endpoints: []Endpoint{
			{Path: "/flows", Methods: map[string]HandlerDescriptor{"GET": {Handler: dummyHandler}}},
		},
	}
	r.RegisterEntity(entity)

	wrongVerb := r.FindEndpointHandler("/flows", "POST")
	if !wrongVerb.PathMatched || wrongVerb.Handler != nil {
		t.Errorf("expected path-matched, handler-nil for wrong verb, got %+v", wrongVerb)
	}

	noMatch := r.FindEndpointHandler("/nonexistent", "GET")
	if noMatch.PathMatched {
		t.Errorf("expected no path match, got %+v", noMatch)
	}
}
