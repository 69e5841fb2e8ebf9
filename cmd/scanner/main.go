package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"lendcore/pkg/circuitbreaker"
)

var (
	lendingServiceURL string
	scannerUser       string
	httpClient        *http.Client
	breaker           *circuitbreaker.Breaker
)

type dueLoan struct {
	LoanUid string `json:"loanUid"`
	DueDate string `json:"dueDate"`
}

func main() {
	log.Println("Starting overdue scanner...")

	lendingServiceURL = getEnv("LENDING_SERVICE_URL", "http://localhost:8080")
	scannerUser = getEnv("SCANNER_USER", "overdue-scanner")
	interval := time.Duration(getEnvInt("SCAN_INTERVAL_SECONDS", 60)) * time.Second

	httpClient = &http.Client{Timeout: 10 * time.Second}
	breaker = circuitbreaker.New(3, 30*time.Second)

	log.Printf("Scanning %s every %s", lendingServiceURL, interval)

	scanOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		scanOnce()
	}
}

func scanOnce() {
	if !breaker.Allow() {
		log.Println("Lending service circuit is open, skipping scan")
		return
	}

	loans, err := fetchDueLoans(time.Now())
	if err != nil {
		breaker.Failure()
		log.Printf("Failed to list due loans: %v", err)
		return
	}
	breaker.Success()

	for _, loan := range loans {
		if err := markOverdue(loan.LoanUid); err != nil {
			log.Printf("Failed to mark loan %s overdue: %v", loan.LoanUid, err)
			continue
		}
		log.Printf("Marked loan %s overdue (was due %s)", loan.LoanUid, loan.DueDate)
	}
}

func fetchDueLoans(now time.Time) ([]dueLoan, error) {
	query := url.Values{}
	query.Set("status", "BORROW")
	query.Set("dueBefore", now.Format(time.RFC3339))
	reqURL := lendingServiceURL + "/api/v1/loans?" + query.Encode()

	req, err := http.NewRequest("GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	setIdentity(req)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list loans returned status %d", resp.StatusCode)
	}

	var loans []dueLoan
	if err := json.NewDecoder(resp.Body).Decode(&loans); err != nil {
		return nil, err
	}
	return loans, nil
}

func markOverdue(loanUid string) error {
	reqURL := fmt.Sprintf("%s/api/v1/loans/%s/overdue", lendingServiceURL, loanUid)
	req, err := http.NewRequest("POST", reqURL, nil)
	if err != nil {
		return err
	}
	setIdentity(req)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 409 means another caller already moved the loan on; not an error
	// worth retrying.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("overdue transition returned status %d", resp.StatusCode)
	}
	return nil
}

func setIdentity(req *http.Request) {
	req.Header.Set("X-User-Name", scannerUser)
	req.Header.Set("X-User-Role", "ADMIN")
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
