package handler

import (
	"net/http"
	"testing"

	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/service"
)

func TestWorkEventHandlerImport(t *testing.T) {
	s := newTestServer(t)
	s.seedContract(t, "ctr_1")
	router := s.finance()

	csv := "date,description,units,unit_type,amount\n" +
		"2024-03-01,Design review,4,hour,800\n" +
		"2024-03-02,Implementation,6,hour,1200\n" +
		"not-a-date,Broken row,1,hour,\n"
	w := doFile(t, router, "/contracts/ctr_1/events/import", "march.csv", []byte(csv))
	expectStatus(t, w, http.StatusOK)

	var res service.ImportResult
	decode(t, w, &res)
	if res.Imported != 2 || res.Failed != 1 || len(res.Errors) != 1 {
		t.Errorf("Unexpected import result %+v", res)
	}

	w = doFile(t, router, "/contracts/ctr_1/events/import", "bad.csv", []byte("when,what\n2024-03-01,x\n"))
	expectStatus(t, w, http.StatusBadRequest)

	w = doFile(t, router, "/contracts/missing/events/import", "march.csv", []byte(csv))
	expectStatus(t, w, http.StatusNotFound)
}

func TestWorkEventHandlerCRUD(t *testing.T) {
	s := newTestServer(t)
	s.seedContract(t, "ctr_1")
	router := s.finance()

	w := doJSON(t, router, http.MethodPost, "/contracts/ctr_1/events", map[string]any{
		"event_id":    "we_1",
		"date":        "2024-03-15",
		"description": "Architecture review",
		"units":       "10",
		"unit_type":   "hour",
	})
	expectStatus(t, w, http.StatusCreated)

	w = doJSON(t, router, http.MethodGet, "/events/we_1", nil)
	expectStatus(t, w, http.StatusOK)
	var ev model.WorkEvent
	decode(t, w, &ev)
	if ev.ContractID != "ctr_1" || ev.Quantity.String() != "10" {
		t.Errorf("Unexpected event %+v", ev)
	}

	w = doJSON(t, router, http.MethodPatch, "/events/we_1", map[string]any{"units": "12", "date": "2024-03-16"})
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &ev)
	if ev.Quantity.String() != "12" || ev.Date.Day() != 16 {
		t.Errorf("Expected patched event, got %+v", ev)
	}

	w = doJSON(t, router, http.MethodPatch, "/events/we_1", map[string]any{"date": "someday"})
	expectStatus(t, w, http.StatusBadRequest)

	w = doJSON(t, router, http.MethodGet, "/contracts/ctr_1/events?start=2024-03-01&end=2024-03-31&unbilled=true", nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		Events []model.WorkEvent `json:"events"`
		Total  int               `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 {
		t.Errorf("Expected 1 event, got %d", list.Total)
	}

	w = doJSON(t, router, http.MethodGet, "/contracts/ctr_1/events?start=yesterday", nil)
	expectStatus(t, w, http.StatusBadRequest)

	w = doJSON(t, router, http.MethodDelete, "/events/we_1", nil)
	expectStatus(t, w, http.StatusOK)

	w = doJSON(t, router, http.MethodGet, "/events/we_1", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestWorkEventHandlerCreateValidation(t *testing.T) {
	s := newTestServer(t)
	s.seedContract(t, "ctr_1")
	router := s.finance()

	w := doJSON(t, router, http.MethodPost, "/contracts/ctr_1/events", map[string]any{"date": "2024-03-15"})
	expectStatus(t, w, http.StatusBadRequest)

	w = doJSON(t, router, http.MethodPost, "/contracts/ctr_1/events", map[string]any{
		"date": "2024-03-15", "description": "Negative", "units": "-1",
	})
	expectStatus(t, w, http.StatusBadRequest)
}
