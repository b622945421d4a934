package perm

import "testing"

func TestRoleMask(t *testing.T) {
	full := Read | Comment | Add | Modify | Delete | Export | Share | Invite | Manage

	cases := []struct {
		name string
		role Role
		want Permission
	}{
		{name: "owner gets everything", role: RoleOwner, want: full},
		{name: "admin gets everything", role: RoleAdmin, want: full},
		{name: "collaborator", role: RoleCollaborator, want: Read | Comment | Add | Modify | Export},
		{name: "external read only", role: RoleExternal, want: Read},
		{name: "unknown role gets nothing", role: Role("superuser"), want: None},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RoleMask(tc.role); got != tc.want {
				t.Fatalf("RoleMask(%q) = %b, want %b", tc.role, got, tc.want)
			}
		})
	}
}

func TestCollaboratorLacksDeleteAndManage(t *testing.T) {
	mask := RoleMask(RoleCollaborator)
	if Has(mask, Delete) {
		t.Error("collaborator should not hold delete")
	}
	if Has(mask, Manage) {
		t.Error("collaborator should not hold manage")
	}
}

func TestNormalizeRole(t *testing.T) {
	cases := []struct {
		in   string
		role Role
		ok   bool
	}{
		{"owner", RoleOwner, true},
		{"Admin", RoleAdmin, true},
		{" collaborator ", RoleCollaborator, true},
		{"EXTERNAL", RoleExternal, true},
		{"", "", false},
		{"editor", "", false},
	}
	for _, tc := range cases {
		role, ok := NormalizeRole(tc.in)
		if role != tc.role || ok != tc.ok {
			t.Errorf("NormalizeRole(%q) = (%q, %v), want (%q, %v)", tc.in, role, ok, tc.role, tc.ok)
		}
	}
}

func TestHas(t *testing.T) {
	mask := Read | Modify
	if !Has(mask, Read) || !Has(mask, Modify) {
		t.Error("mask should hold read and modify")
	}
	if Has(mask, Delete) || Has(mask, Manage) {
		t.Error("mask should not hold delete or manage")
	}
	if Has(None, Read) {
		t.Error("empty mask holds nothing")
	}
	if !HasAny(mask, Add|Modify) {
		t.Error("HasAny should match on modify")
	}
	if HasAny(Read, Add|Modify) {
		t.Error("HasAny should not match read-only mask")
	}
}

func TestActionPermission(t *testing.T) {
	cases := []struct {
		action string
		want   Permission
	}{
		{"view", Read},
		{"READ", Read},
		{"edit", Modify},
		{"update", Modify},
		{"write", Modify},
		{"remove", Delete},
		{"admin", Manage},
		{"append", Add},
		{"download", Export},
		// Unknown actions fall open to Read.
		{"frobnicate", Read},
		{"", Read},
	}
	for _, tc := range cases {
		if got := ActionPermission(tc.action); got != tc.want {
			t.Errorf("ActionPermission(%q) = %v, want %v", tc.action, got, tc.want)
		}
	}
	if KnownAction("frobnicate") {
		t.Error("frobnicate should not be a known action")
	}
	if !KnownAction("Edit") {
		t.Error("edit should be a known action")
	}
}

func TestMaskNames(t *testing.T) {
	got := MaskNames(Read | Add)
	if len(got) != 9 {
		t.Fatalf("expected 9 entries, got %d", len(got))
	}
	if !got["read"] || !got["add"] {
		t.Error("read and add should be true")
	}
	if got["modify"] || got["manage"] {
		t.Error("modify and manage should be false")
	}
}
