package kmock

import "testing"

func TestSysctlLifecycle(t *testing.T) {
	k := testKernel()

	h := k.RegisterSysctl("kernel/mydev", &SysctlTable{Entries: []string{"verbose", "timeout"}})
	if h == 0 {
		t.Fatal("register_sysctl returned null handle")
	}

	k.UnregisterSysctlTable(h)
	if violationCount(k) != 0 {
		t.Fatalf("clean lifecycle recorded %d violations", violationCount(k))
	}

	// The handle is dead now.
	k.UnregisterSysctlTable(h)
	if violationCount(k) != 1 {
		t.Fatal("double unregister not flagged")
	}
}

func TestSysctlRegisterSetsPath(t *testing.T) {
	k := testKernel()

	table := &SysctlTable{Entries: []string{"x"}}
	if h := k.RegisterSysctl("dev/foo", table); h == 0 {
		t.Fatal("register failed")
	}
	if table.Path != "dev/foo" {
		t.Fatalf("table path %q", table.Path)
	}
}

func TestSysctlUnregisterNullHandle(t *testing.T) {
	k := testKernel()

	k.UnregisterSysctlTable(0)
	if violationCount(k) != 1 {
		t.Fatal("unregister of null handle not flagged")
	}
}
