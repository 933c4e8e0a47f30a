package model

import "testing"

func TestCapabilitySet_Has(t *testing.T) {
	tests := []struct {
		name string
		set  CapabilitySet
		cap  string
		want bool
	}{
		{"exact", CapabilitySet{CapWorkorderAdmin: true}, CapWorkorderAdmin, true},
		{"exact miss", CapabilitySet{CapWorkorderRead: true}, CapWorkorderAdmin, false},
		{"star", CapabilitySet{"*": true}, CapNotificationAdmin, true},
		{"namespace wildcard", CapabilitySet{"workorder:*": true}, CapWorkorderAdmin, true},
		{"namespace wildcard other namespace", CapabilitySet{"workorder:*": true}, CapNotificationAdmin, false},
		{"no implicit prefix", CapabilitySet{"workorder": true}, CapWorkorderAdmin, false},
		{"nil set", nil, CapWorkorderRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestCapabilitySet_HasAny(t *testing.T) {
	cs := CapabilitySet{CapWorkorderRead: true}
	if !cs.HasAny(CapWorkorderAdmin, CapWorkorderRead) {
		t.Error("HasAny() = false, want true")
	}
	if cs.HasAny(CapWorkorderAdmin, CapNotificationAdmin) {
		t.Error("HasAny() = true, want false")
	}
	if cs.HasAny() {
		t.Error("HasAny() with no arguments = true, want false")
	}
}
