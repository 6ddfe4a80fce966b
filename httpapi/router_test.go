package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/marcingurbisz/flowlite-sub000/engine"
	"github.com/marcingurbisz/flowlite-sub000/flow"
	"github.com/marcingurbisz/flowlite-sub000/httpapi"
	"github.com/marcingurbisz/flowlite-sub000/internal/platform/logger"
	"github.com/marcingurbisz/flowlite-sub000/observer"
	"github.com/marcingurbisz/flowlite-sub000/store"
	"github.com/marcingurbisz/flowlite-sub000/storemem"
)

type noopScheduler struct{}

func (noopScheduler) SetTickHandler(store.TickHandler)                  {}
func (noopScheduler) ScheduleTick(context.Context, string, string) error { return nil }
func (noopScheduler) Start(context.Context) error                        { return nil }
func (noopScheduler) Stop(callback func()) {
	if callback != nil {
		callback()
	}
}

func noop(s any) (any, error) { return s, nil }

func testRouter(t *testing.T) (*gin.Engine, *engine.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fl, err := flow.NewBuilder().
		Stage("start", noop).Initial().
		Stage("done").End().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	persister := storemem.NewPersister()
	history := storemem.NewHistoryStore()
	e := engine.New(storemem.NewEventStore(), noopScheduler{}, history, log)
	if err := e.RegisterFlow("orders", fl, persister); err != nil {
		t.Fatalf("RegisterFlow: %v", err)
	}

	obs := observer.New(e, history, log)
	return httpapi.NewRouter(httpapi.NewHandler(obs)), e
}

func TestListFlowsEndpoint(t *testing.T) {
	router, e := testRouter(t)
	if _, err := e.StartInstance(context.Background(), "orders", nil); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/flows", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Flows []struct {
			FlowID string `json:"FlowID"`
		} `json:"flows"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Flows) != 1 || out.Flows[0].FlowID != "orders" {
		t.Fatalf("unexpected flows: %+v", out)
	}
}

func TestListInstancesUnknownFlowReturns404(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/flows/missing/instances", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestChangeStageEndpoint(t *testing.T) {
	router, e := testRouter(t)
	instanceID, err := e.StartInstance(context.Background(), "orders", nil)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"stage": "done"})
	req := httptest.NewRequest(http.MethodPost, "/flows/orders/instances/"+instanceID+"/change-stage", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestChangeStageMissingBodyReturns400(t *testing.T) {
	router, e := testRouter(t)
	instanceID, err := e.StartInstance(context.Background(), "orders", nil)
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/flows/orders/instances/"+instanceID+"/change-stage", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}
