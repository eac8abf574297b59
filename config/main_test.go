package config

import "testing"

func TestFindPaymentPackage(t *testing.T) {
	pkg, ok := FindPaymentPackage(500)
	if !ok || pkg.Tokens != 500 {
		t.Fatalf("expected 500-token package, got ok=%v pkg=%+v", ok, pkg)
	}
	if _, ok := FindPaymentPackage(750); ok {
		t.Fatal("unknown ruble amount must not resolve to a package")
	}
}

func TestVideoCost(t *testing.T) {
	if got := VideoCost(10); got != Video10SecCost {
		t.Fatalf("10s cost = %d", got)
	}
	if got := VideoCost(15); got != Video15SecCost {
		t.Fatalf("15s cost = %d", got)
	}
	// Unknown durations charge the short tariff rather than failing the order.
	if got := VideoCost(0); got != Video10SecCost {
		t.Fatalf("fallback cost = %d", got)
	}
}
