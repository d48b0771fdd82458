package domain

import "testing"

func TestValidateAppName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"master", false},
		{"feature-x", false},
		{"feature_x_123", false},
		{"", true},
		{"has space", true},
		{"has/slash", true},
		{"has.dot", true},
	}
	for _, tt := range tests {
		err := ValidateAppName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAppName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestValidateUniqueServiceNames(t *testing.T) {
	cfgs := []ServiceConfig{{ServiceName: "web"}, {ServiceName: "db"}}
	if err := ValidateUniqueServiceNames(cfgs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := []ServiceConfig{{ServiceName: "web"}, {ServiceName: "web"}}
	if err := ValidateUniqueServiceNames(dup); err == nil {
		t.Fatal("expected error for duplicate service name")
	}
}

func TestServiceTypePriorityOrdering(t *testing.T) {
	cfgs := []ServiceConfig{
		{ServiceName: "b", Type: ServiceTypeServiceCompanion},
		{ServiceName: "a", Type: ServiceTypeInstance},
		{ServiceName: "z", Type: ServiceTypeAppCompanion},
		{ServiceName: "y", Type: ServiceTypeReplica},
	}
	SortServiceConfigs(cfgs)
	want := []string{"a", "y", "z", "b"}
	for i, w := range want {
		if cfgs[i].ServiceName != w {
			t.Errorf("position %d = %q, want %q", i, cfgs[i].ServiceName, w)
		}
	}
}

func TestOwnerIsCompanion(t *testing.T) {
	if !ServiceTypeAppCompanion.IsCompanion() {
		t.Error("app-companion should be a companion type")
	}
	if !ServiceTypeServiceCompanion.IsCompanion() {
		t.Error("service-companion should be a companion type")
	}
	if ServiceTypeInstance.IsCompanion() {
		t.Error("instance should not be a companion type")
	}
	if ServiceTypeReplica.IsCompanion() {
		t.Error("replica should not be a companion type")
	}
}
