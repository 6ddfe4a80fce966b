package app

import "testing"

func TestNewOrderFulfillmentFlowBuilds(t *testing.T) {
	fl, err := newOrderFulfillmentFlow()
	if err != nil {
		t.Fatalf("newOrderFulfillmentFlow: %v", err)
	}
	if _, ok := fl.Stage("reserve_inventory"); !ok {
		t.Fatal("missing reserve_inventory stage")
	}
	if _, ok := fl.Stage("await_shipment"); !ok {
		t.Fatal("missing await_shipment stage")
	}
	if fl.InitialStage != "reserve_inventory" {
		t.Fatalf("InitialStage = %q", fl.InitialStage)
	}
}

func TestChargePaymentFailsWhenFlagged(t *testing.T) {
	_, err := chargePayment(orderState{OrderID: "o-1", PaymentFailed: true})
	if err == nil {
		t.Fatal("expected chargePayment to fail when PaymentFailed is set")
	}
}

func TestChargePaymentSucceedsOtherwise(t *testing.T) {
	out, err := chargePayment(orderState{OrderID: "o-1"})
	if err != nil {
		t.Fatalf("chargePayment: %v", err)
	}
	if _, ok := out.(orderState); !ok {
		t.Fatalf("expected orderState, got %T", out)
	}
}
