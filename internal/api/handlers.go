package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/downtoearthtw/proxy-aggregator/internal/export"
	"github.com/downtoearthtw/proxy-aggregator/internal/pipeline"
	"github.com/downtoearthtw/proxy-aggregator/internal/probe"
	"github.com/downtoearthtw/proxy-aggregator/internal/runlog"
)

type handlers struct {
	latest  *Latest
	history History
	trigger TriggerFunc
	started time.Time
}

func (h *handlers) healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "uptime_seconds": int(time.Since(h.started).Seconds())}
	if art := h.latest.Get(); art != nil {
		body["last_run"] = art.RunID
		body["updated"] = art.Index.Updated
		body["node_count"] = art.Index.NodeCount
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) requireArtifacts(c *gin.Context) (*pipeline.Artifacts, bool) {
	art := h.latest.Get()
	if art == nil {
		writeError(c, http.StatusServiceUnavailable, "NOT_READY", "no run has completed yet")
		return nil, false
	}
	return art, true
}

func (h *handlers) subscription(c *gin.Context) {
	format, err := export.ParseFormat(c.Param("format"))
	if err != nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	art, ok := h.requireArtifacts(c)
	if !ok {
		return
	}
	doc, ok := art.Documents[format]
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "format "+string(format)+" is not enabled")
		return
	}
	c.Header("Content-Disposition", "inline; filename="+format.Filename())
	c.Header("Profile-Update-Interval", "6")
	c.Header("Last-Modified", art.Updated.Format(http.TimeFormat))
	c.Data(http.StatusOK, format.ContentType(), doc)
}

func (h *handlers) index(c *gin.Context) {
	art, ok := h.requireArtifacts(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, art.Index)
}

var nodeSortFields = []string{"latency", "trust_score", "name", "priority"}

func (h *handlers) listNodes(c *gin.Context) {
	art, ok := h.requireArtifacts(c)
	if !ok {
		return
	}
	pg, err := ParsePagination(c)
	if err != nil {
		writeInvalidArgument(c, err.Error())
		return
	}
	sorting, err := ParseSorting(c, nodeSortFields, "latency", "asc")
	if err != nil {
		writeInvalidArgument(c, err.Error())
		return
	}

	nodes := make([]probe.Tested, 0, len(art.Tested))
	protocol := c.Query("protocol")
	country := c.Query("country")
	for _, t := range art.Tested {
		if protocol != "" && string(t.Protocol) != protocol {
			continue
		}
		if country != "" && t.Result.CountryCode() != country {
			continue
		}
		nodes = append(nodes, t)
	}

	var less func(a, b probe.Tested) bool
	switch sorting.SortBy {
	case "trust_score":
		less = func(a, b probe.Tested) bool { return a.Result.TrustScore < b.Result.TrustScore }
	case "name":
		less = func(a, b probe.Tested) bool { return a.DisplayName() < b.DisplayName() }
	case "priority":
		less = func(a, b probe.Tested) bool { return a.Priority < b.Priority }
	default:
		less = func(a, b probe.Tested) bool { return a.Result.LatencyMs < b.Result.LatencyMs }
	}
	sortSlice(nodes, sorting.SortOrder, less)
	writePage(c, nodes, pg)
}

func (h *handlers) listRuns(c *gin.Context) {
	if h.history == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "run history is disabled")
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeInvalidArgument(c, "limit: must be an integer in 1-1000")
			return
		}
		limit = n
	}
	runs, err := h.history.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL", "failed to read run history")
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}

func (h *handlers) getRun(c *gin.Context) {
	if h.history == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "run history is disabled")
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()
	sources, err := h.history.Sources(ctx, id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL", "failed to read run history")
		return
	}
	results, err := h.history.Results(ctx, id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL", "failed to read run history")
		return
	}
	if len(sources) == 0 && len(results) == 0 {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "sources": sources, "results": results})
}

func (h *handlers) triggerRun(c *gin.Context) {
	if h.trigger == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "manual runs are disabled")
		return
	}
	if !h.trigger() {
		writeError(c, http.StatusConflict, "CONFLICT", "a run is already in progress")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}
