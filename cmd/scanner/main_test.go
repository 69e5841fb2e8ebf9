package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"lendcore/pkg/circuitbreaker"
)

func setupScanner(serverURL string) {
	lendingServiceURL = serverURL
	scannerUser = "overdue-scanner"
	httpClient = &http.Client{Timeout: time.Second}
	breaker = circuitbreaker.New(3, 30*time.Second)
}

func TestFetchDueLoans(t *testing.T) {
	var gotUser, gotRole, gotStatus string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-Name")
		gotRole = r.Header.Get("X-User-Role")
		gotStatus = r.URL.Query().Get("status")
		json.NewEncoder(w).Encode([]dueLoan{
			{LoanUid: "loan-1", DueDate: "2026-08-01T00:00:00Z"},
			{LoanUid: "loan-2", DueDate: "2026-08-02T00:00:00Z"},
		})
	}))
	defer server.Close()
	setupScanner(server.URL)

	loans, err := fetchDueLoans(time.Now())
	assert.NoError(t, err)
	assert.Len(t, loans, 2)
	assert.Equal(t, "loan-1", loans[0].LoanUid)
	assert.Equal(t, "overdue-scanner", gotUser)
	assert.Equal(t, "ADMIN", gotRole)
	assert.Equal(t, "BORROW", gotStatus)
}

func TestMarkOverdue(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	setupScanner(server.URL)

	assert.NoError(t, markOverdue("loan-1"))
	assert.Equal(t, "/api/v1/loans/loan-1/overdue", gotPath)
}

func TestMarkOverdueToleratesConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// another caller already returned the loan
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()
	setupScanner(server.URL)

	assert.NoError(t, markOverdue("loan-1"))
}

func TestMarkOverdueServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	setupScanner(server.URL)

	assert.Error(t, markOverdue("loan-1"))
}

func TestScanOnceMarksDueLoans(t *testing.T) {
	var marked int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			json.NewEncoder(w).Encode([]dueLoan{{LoanUid: "loan-1"}})
			return
		}
		atomic.AddInt32(&marked, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	setupScanner(server.URL)

	scanOnce()

	assert.Equal(t, int32(1), atomic.LoadInt32(&marked))
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestScanOnceOpensBreakerOnRepeatedFailure(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	setupScanner(server.URL)
	breaker = circuitbreaker.New(2, time.Minute)

	for i := 0; i < 4; i++ {
		scanOnce()
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	// the open circuit keeps further scans local
	before := atomic.LoadInt32(&requests)
	scanOnce()
	assert.Equal(t, before, atomic.LoadInt32(&requests))
}
