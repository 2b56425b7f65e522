package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/maxpert/marmot-restore/coordination"
	"github.com/maxpert/marmot-restore/db"
	"github.com/maxpert/marmot-restore/restore"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

// RestoreSource is the restore the admin API reports on
type RestoreSource interface {
	Progress() restore.Progress
	Tables() []schema.QualifiedName
	Databases() []string
}

// LockSource lists the table locks held on the target
type LockSource interface {
	ActiveLocks() []db.TableLockInfo
}

// ReportSource returns the latest stage every host reported
type ReportSource func(ctx context.Context) ([]coordination.StageReport, error)

// AdminHandlers serves the progress of a running restore
type AdminHandlers struct {
	restoreID string
	host      string
	restore   RestoreSource
	locks     LockSource
	reports   ReportSource
}

// NewAdminHandlers creates a new AdminHandlers instance. locks and reports
// are optional.
func NewAdminHandlers(restoreID, host string, restore RestoreSource, locks LockSource, reports ReportSource) *AdminHandlers {
	return &AdminHandlers{
		restoreID: restoreID,
		host:      host,
		restore:   restore,
		locks:     locks,
		reports:   reports,
	}
}

type progressResponse struct {
	RestoreID      string `json:"restore_id"`
	Host           string `json:"host"`
	Stage          string `json:"stage"`
	Databases      int    `json:"databases"`
	Tables         int    `json:"tables"`
	TablesCreated  int    `json:"tables_created"`
	TablesRestored int    `json:"tables_restored"`
	TasksCompleted int64  `json:"tasks_completed"`
	Error          string `json:"error,omitempty"`
}

func (h *AdminHandlers) handleProgress(w http.ResponseWriter, r *http.Request) {
	p := h.restore.Progress()
	response := progressResponse{
		RestoreID:      h.restoreID,
		Host:           h.host,
		Stage:          p.Stage.String(),
		Databases:      p.Databases,
		Tables:         p.Tables,
		TablesCreated:  p.TablesCreated,
		TablesRestored: p.TablesRestored,
		TasksCompleted: p.TasksCompleted,
	}
	if response.Stage == "" {
		response.Stage = "pending"
	}
	if p.Error != nil {
		response.Error = p.Error.Error()
	}
	writeJSONResponse(w, response, false, "")
}

// handleTables lists the tables being restored, paginated by name
func (h *AdminHandlers) handleTables(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	names := make([]string, 0)
	for _, table := range h.restore.Tables() {
		names = append(names, table.String())
	}
	sort.Strings(names)

	page, hasMore := paginate(names, parseFrom(r), limit)
	lastKey := ""
	if hasMore {
		lastKey = page[len(page)-1]
	}
	writeJSONResponse(w, page, hasMore, lastKey)
}

func (h *AdminHandlers) handleDatabases(w http.ResponseWriter, r *http.Request) {
	databases := h.restore.Databases()
	if databases == nil {
		databases = []string{}
	}
	writeJSONResponse(w, databases, false, "")
}

func (h *AdminHandlers) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks := []db.TableLockInfo{}
	if h.locks != nil {
		locks = append(locks, h.locks.ActiveLocks()...)
	}
	writeJSONResponse(w, locks, false, "")
}

type stageReportResponse struct {
	Host    string `json:"host"`
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
	Time    string `json:"time"`
}

func (h *AdminHandlers) handleClusterStages(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeErrorResponse(w, http.StatusNotFound, "restore is not coordinated with other hosts")
		return
	}

	reports, err := h.reports(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	response := make([]stageReportResponse, 0, len(reports))
	for _, report := range reports {
		response = append(response, stageReportResponse{
			Host:    report.Host,
			Stage:   report.Stage,
			Message: report.Message,
			Time:    formatTimestamp(report.Time.WallTime),
		})
	}
	writeJSONResponse(w, response, false, "")
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

// paginate returns up to limit sorted keys after from
func paginate(keys []string, from string, limit int) ([]string, bool) {
	start := 0
	if from != "" {
		start = sort.SearchStrings(keys, from)
		if start < len(keys) && keys[start] == from {
			start++
		}
	}
	end := start + limit
	if end >= len(keys) {
		return keys[start:], false
	}
	return keys[start:end], true
}

// formatTimestamp converts nanoseconds to ISO 8601 string
func formatTimestamp(nanos int64) string {
	if nanos == 0 {
		return ""
	}
	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}
