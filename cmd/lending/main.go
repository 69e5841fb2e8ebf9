package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"lendcore/pkg/apperr"
	"lendcore/pkg/billing"
	"lendcore/pkg/condition"
	"lendcore/pkg/database"
	"lendcore/pkg/delivery"
	"lendcore/pkg/events"
	"lendcore/pkg/inventory"
	"lendcore/pkg/lifecycle"
	"lendcore/pkg/models"
)

var (
	db       *gorm.DB
	ledger   *inventory.Ledger
	engine   *billing.Engine
	registry *condition.Registry
	manager  *lifecycle.Manager
)

func main() {
	log.Println("Starting lending service...")

	db = database.InitLendingDB()

	billingCfg := billing.Config{
		BaseCharge:     getEnvInt("BASE_CHARGE", 70),
		BasePeriodDays: getEnvInt("BASE_PERIOD_DAYS", 7),
		PerDayLateRate: getEnvInt("PER_DAY_LATE_RATE", 2),
	}
	lifecycleCfg := lifecycle.Config{
		DefaultLoanDays: getEnvInt("DEFAULT_LOAN_DAYS", 14),
	}

	var addresses delivery.AddressBook
	if url := os.Getenv("ADDRESSBOOK_URL"); url != "" {
		addresses = newAddressBookClient(url)
		log.Printf("Address book at %s", url)
	}

	var sink events.Sink = events.NopSink{}
	if url := os.Getenv("NOTIFY_URL"); url != "" {
		sink = events.NewNotifier(url)
		log.Printf("Publishing events to %s", url)
	}

	ledger = inventory.NewLedger(db)
	engine = billing.NewEngine(db, billingCfg)
	registry = condition.NewRegistry(db)
	manager = lifecycle.NewManager(db, lifecycleCfg, billingCfg, addresses, sink)

	server := gin.Default()
	server.POST("/api/v1/titles", createTitle)
	server.GET("/api/v1/titles/:titleUid/availability", getAvailability)
	server.POST("/api/v1/titles/:titleUid/copies", adjustTitleCopies)
	server.POST("/api/v1/loans", createLoan)
	server.GET("/api/v1/loans", listLoans)
	server.GET("/api/v1/loans/:loanUid", getLoan)
	server.POST("/api/v1/loans/:loanUid/approve", approveLoan)
	server.POST("/api/v1/loans/:loanUid/reject", rejectLoan)
	server.POST("/api/v1/loans/:loanUid/borrow", borrowLoan)
	server.POST("/api/v1/loans/:loanUid/return", returnLoan)
	server.POST("/api/v1/loans/:loanUid/overdue", markLoanOverdue)
	server.POST("/api/v1/loans/:loanUid/condition/before", recordBeforeCondition)
	server.POST("/api/v1/loans/:loanUid/condition/after", recordAfterCondition)
	server.GET("/api/v1/loans/:loanUid/condition", getCondition)
	server.GET("/api/v1/loans/:loanUid/receipts", listReceipts)
	server.POST("/api/v1/receipts/:receiptUid/print", printReceipt)
	server.GET("/manage/health", healthCheck)

	port := getEnv("PORT", "8080")
	log.Printf("Lending service starting on :%s", port)
	if err := server.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// callerFrom builds the trusted identity context from the headers the
// upstream auth layer sets.
func callerFrom(c *gin.Context) (models.Caller, bool) {
	name := c.GetHeader("X-User-Name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Name header is required"})
		return models.Caller{}, false
	}
	role := models.Role(c.GetHeader("X-User-Role"))
	switch role {
	case "":
		role = models.RoleBorrower
	case models.RoleBorrower, models.RoleBranchStaff, models.RoleAdmin:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role in X-User-Role header"})
		return models.Caller{}, false
	}
	return models.Caller{ID: name, Role: role}, true
}

func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation, apperr.KindMissingAddress:
		status = http.StatusBadRequest
	case apperr.KindUnauthorized:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindOutOfStock, apperr.KindDuplicateReceipt, apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"kind": kind, "error": err.Error()})
}

func createTitle(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var request struct {
		BranchUid   string `json:"branchUid" binding:"required"`
		Name        string `json:"name" binding:"required"`
		Author      string `json:"author"`
		Genre       string `json:"genre"`
		TotalCopies int    `json:"totalCopies"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	title, err := ledger.CreateTitle(c.Request.Context(), caller, request.BranchUid, request.Name, request.Author, request.Genre, request.TotalCopies)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"titleUid":        title.TitleUid,
		"branchUid":       title.BranchUid,
		"name":            title.Name,
		"author":          title.Author,
		"genre":           title.Genre,
		"totalCopies":     title.TotalCopies,
		"availableCopies": title.AvailableCopies,
	})
}

func getAvailability(c *gin.Context) {
	availability, err := ledger.GetAvailability(c.Request.Context(), c.Param("titleUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"titleUid":        availability.TitleUid,
		"totalCopies":     availability.Total,
		"availableCopies": availability.Available,
	})
}

func adjustTitleCopies(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var request struct {
		TotalCopies *int `json:"totalCopies" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	availability, err := ledger.AdjustTotalCopies(c.Request.Context(), caller, c.Param("titleUid"), *request.TotalCopies)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"titleUid":        availability.TitleUid,
		"totalCopies":     availability.Total,
		"availableCopies": availability.Available,
	})
}

func createLoan(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var request struct {
		TitleUid           string `json:"titleUid" binding:"required"`
		DeliveryMethod     string `json:"deliveryMethod" binding:"required"`
		DeliveryAddressRef string `json:"deliveryAddressRef"`
		Notes              string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	loan, err := manager.RequestLoan(c.Request.Context(), caller, lifecycle.LoanRequest{
		TitleUid:           request.TitleUid,
		DeliveryMethod:     models.DeliveryMethod(request.DeliveryMethod),
		DeliveryAddressRef: request.DeliveryAddressRef,
		Notes:              request.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loanJSON(loan))
}

func listLoans(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	filter := lifecycle.ListFilter{
		BorrowerID: c.Query("borrowerId"),
		Status:     models.LoanStatus(c.Query("status")),
	}
	if raw := c.Query("dueBefore"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dueBefore must be RFC3339"})
			return
		}
		filter.DueBefore = &t
	}
	loans, err := manager.ListLoans(c.Request.Context(), caller, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]gin.H, len(loans))
	for i := range loans {
		items[i] = loanJSON(&loans[i])
	}
	c.JSON(http.StatusOK, items)
}

func getLoan(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	loan, err := manager.GetLoan(c.Request.Context(), caller, c.Param("loanUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loanJSON(loan))
}

func approveLoan(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	loan, err := manager.Approve(c.Request.Context(), caller, c.Param("loanUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loanJSON(loan))
}

func rejectLoan(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var request struct {
		Reason string `json:"reason"`
	}
	// body is optional for a rejection
	_ = c.ShouldBindJSON(&request)
	loan, err := manager.Reject(c.Request.Context(), caller, c.Param("loanUid"), request.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loanJSON(loan))
}

func borrowLoan(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	loan, receipt, err := manager.Borrow(c.Request.Context(), caller, c.Param("loanUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan": loanJSON(loan), "receipt": receiptJSON(receipt)})
}

func returnLoan(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	loan, receipt, err := manager.Return(c.Request.Context(), caller, c.Param("loanUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan": loanJSON(loan), "receipt": receiptJSON(receipt)})
}

func markLoanOverdue(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	loan, err := manager.MarkOverdue(c.Request.Context(), caller, c.Param("loanUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loanJSON(loan))
}

func recordBeforeCondition(c *gin.Context) {
	recordCondition(c, true)
}

func recordAfterCondition(c *gin.Context) {
	recordCondition(c, false)
}

func recordCondition(c *gin.Context, before bool) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var request struct {
		Photos []string `json:"photos" binding:"required"`
		Notes  string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	loan, err := manager.GetLoan(c.Request.Context(), caller, c.Param("loanUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	var record *models.ConditionRecord
	if before {
		record, err = registry.RecordBefore(c.Request.Context(), caller, loan, request.Photos, request.Notes)
	} else {
		record, err = registry.RecordAfter(c.Request.Context(), caller, loan, request.Photos, request.Notes)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conditionJSON(record))
}

func getCondition(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	loan, err := manager.GetLoan(c.Request.Context(), caller, c.Param("loanUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	record, err := registry.Get(c.Request.Context(), loan.LoanUid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conditionJSON(record))
}

func listReceipts(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	loan, err := manager.GetLoan(c.Request.Context(), caller, c.Param("loanUid"))
	if err != nil {
		writeError(c, err)
		return
	}
	receipts, err := engine.ReceiptsForLoan(c.Request.Context(), loan.LoanUid)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]gin.H, len(receipts))
	for i := range receipts {
		items[i] = receiptJSON(&receipts[i])
	}
	c.JSON(http.StatusOK, items)
}

func printReceipt(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	var request struct {
		IsPrinted *bool `json:"isPrinted"`
	}
	_ = c.ShouldBindJSON(&request)
	isPrinted := true
	if request.IsPrinted != nil {
		isPrinted = *request.IsPrinted
	}
	receipt, err := engine.UpdateReceipt(c.Request.Context(), caller, c.Param("receiptUid"), isPrinted)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receiptJSON(receipt))
}

func healthCheck(c *gin.Context) {
	sqlDB, err := db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database connection failed",
			"error":   err.Error(),
		})
		return
	}
	if err := sqlDB.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database ping failed",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func loanJSON(loan *models.LoanRecord) gin.H {
	out := gin.H{
		"loanUid":        loan.LoanUid,
		"titleUid":       loan.TitleUid,
		"branchUid":      loan.BranchUid,
		"borrowerId":     loan.BorrowerID,
		"status":         loan.Status,
		"requestDate":    loan.RequestDate.Format(time.RFC3339),
		"deliveryMethod": loan.DeliveryMethod,
	}
	if loan.DeliveryAddressRef != "" {
		out["deliveryAddressRef"] = loan.DeliveryAddressRef
	}
	if loan.BorrowDate != nil {
		out["borrowDate"] = loan.BorrowDate.Format(time.RFC3339)
	}
	if loan.DueDate != nil {
		out["dueDate"] = loan.DueDate.Format(time.RFC3339)
	}
	if loan.ReturnDate != nil {
		out["returnDate"] = loan.ReturnDate.Format(time.RFC3339)
	}
	if loan.HandledBy != "" {
		out["handledBy"] = loan.HandledBy
	}
	if loan.Notes != "" {
		out["notes"] = loan.Notes
	}
	return out
}

func receiptJSON(receipt *models.Receipt) gin.H {
	out := gin.H{
		"receiptUid":  receipt.ReceiptUid,
		"loanUid":     receipt.LoanUid,
		"kind":        receipt.Kind,
		"baseCharge":  receipt.BaseCharge,
		"extraDays":   receipt.ExtraDays,
		"extraCharge": receipt.ExtraCharge,
		"totalCharge": receipt.TotalCharge,
		"generatedBy": receipt.GeneratedBy,
		"generatedAt": receipt.GeneratedAt.Format(time.RFC3339),
		"isPrinted":   receipt.IsPrinted,
	}
	if receipt.PrintedAt != nil {
		out["printedAt"] = receipt.PrintedAt.Format(time.RFC3339)
	}
	return out
}

func conditionJSON(record *models.ConditionRecord) gin.H {
	out := gin.H{
		"loanUid":      record.LoanUid,
		"beforePhotos": record.BeforePhotos,
		"afterPhotos":  record.AfterPhotos,
	}
	if record.BeforeNotes != "" {
		out["beforeNotes"] = record.BeforeNotes
	}
	if record.AfterNotes != "" {
		out["afterNotes"] = record.AfterNotes
	}
	return out
}

// addressBookClient checks address ownership against the external
// address-book service.
type addressBookClient struct {
	baseURL string
	client  *http.Client
}

func newAddressBookClient(baseURL string) *addressBookClient {
	return &addressBookClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *addressBookClient) Owns(ctx context.Context, borrowerID, addressRef string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/addresses/%s", a.baseURL, addressRef)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-User-Name", borrowerID)
	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("address book returned status %d", resp.StatusCode)
	}
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
		log.Printf("Invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}
