package app

import (
	"fmt"

	"github.com/marcingurbisz/flowlite-sub000/flow"
)

// orderState is the opaque domain payload cmd/flowlite-demo threads
// through its one registered flow. The engine never looks inside it.
type orderState struct {
	OrderID       string `json:"orderId"`
	AmountCents   int    `json:"amountCents"`
	PaymentFailed bool   `json:"paymentFailed"`
}

func asOrderState(s any) (orderState, bool) {
	switch v := s.(type) {
	case orderState:
		return v, true
	case map[string]interface{}:
		os := orderState{}
		if id, ok := v["orderId"].(string); ok {
			os.OrderID = id
		}
		if amt, ok := v["amountCents"].(float64); ok {
			os.AmountCents = int(amt)
		}
		if failed, ok := v["paymentFailed"].(bool); ok {
			os.PaymentFailed = failed
		}
		return os, true
	default:
		return orderState{}, false
	}
}

// reserveInventory and chargePayment are the demo flow's two actions.
// chargePayment fails deliberately when the incoming state carries
// paymentFailed, so the demo flow exercises the Error/Retry path too.
func reserveInventory(s any) (any, error) {
	st, ok := asOrderState(s)
	if !ok {
		return nil, fmt.Errorf("flowlite-demo: reserveInventory got unexpected state %T", s)
	}
	return st, nil
}

func chargePayment(s any) (any, error) {
	st, ok := asOrderState(s)
	if !ok {
		return nil, fmt.Errorf("flowlite-demo: chargePayment got unexpected state %T", s)
	}
	if st.PaymentFailed {
		return nil, fmt.Errorf("flowlite-demo: payment declined for order %s", st.OrderID)
	}
	return st, nil
}

// newOrderFulfillmentFlow builds the demo process: reserve inventory,
// charge payment, then wait for an external shipment event:
// shipment_confirmed moves the instance to the terminal "completed" stage,
// shipment_cancelled to the terminal "cancelled" stage, and either one then
// finishes with status Completed. "completed"
// and "cancelled" are declared purely as WaitFor targets — chaining a
// further Stage() call off the waiting stage would wrongly attach an
// automatic NextStage alongside its event handlers.
func newOrderFulfillmentFlow() (*flow.Flow, error) {
	return flow.NewBuilder().
		Stage("reserve_inventory", reserveInventory).Initial().
		Stage("charge_payment", chargePayment).
		Stage("await_shipment").
		WaitFor("shipment_confirmed", func(w *flow.WaitBuilder) { w.Stage("completed") }).
		WaitFor("shipment_cancelled", func(w *flow.WaitBuilder) { w.Stage("cancelled") }).
		Build()
}
